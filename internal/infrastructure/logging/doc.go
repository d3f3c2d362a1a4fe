// Package logging provides the bridge's structured logger, a thin wrapper
// around log/slog.
//
// Every entry carries service=meshbridge and the build version. Output is
// JSON by default or text for interactive use:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Values of attributes named password, token or secret are replaced with
// "[redacted]", so broker credentials can be passed to a log call without
// leaking. When started by systemd (JOURNAL_STREAM set) the text format
// drops its timestamp; the journal records one already.
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("bridge started", "role", "relay")
package logging
