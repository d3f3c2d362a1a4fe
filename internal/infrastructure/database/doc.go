// Package database provides the bridge's SQLite store.
//
// It opens the database with WAL mode and a busy timeout, restricts the
// file to 0600, and applies the schema migrations embedded by the
// migrations package:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if _, err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns must be nullable or carry a
// default, and each up file should ship with a matching down file.
package database
