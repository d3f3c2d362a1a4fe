// Meshbridge - mesh radio telemetry to MQTT bridge
//
// This is the main entry point for the meshbridge daemon. It connects to
// one or more mesh radios over TCP and:
//   - Relays position, node info and telemetry packets to a local broker
//   - Acts as the radio's MQTT client proxy towards its configured broker
//   - Records every node heard into SQLite
//   - Optionally writes link quality and bridge counters to InfluxDB
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/spf13/pflag"

	"github.com/nerrad567/gray-logic-meshbridge/internal/bridges/mesh"
	"github.com/nerrad567/gray-logic-meshbridge/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-meshbridge/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-meshbridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-meshbridge/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-meshbridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-meshbridge/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

const (
	// defaultConfigPath is used when neither --config nor MESHBRIDGE_CONFIG is set.
	defaultConfigPath = "/etc/meshbridge/config.yaml"

	// configEnv names the environment variable holding the config path.
	configEnv = "MESHBRIDGE_CONFIG"

	// healthCheckTimeout bounds the startup health check.
	healthCheckTimeout = 5 * time.Second
)

// options are the parsed command line flags.
type options struct {
	configPath     string
	configExplicit bool
	radios         []string
	verbose        bool
	showVersion    bool
	help           bool
}

func main() {
	// Cancel on Ctrl+C and SIGTERM for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - args: Command line arguments without the program name
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	if opts.help {
		return nil
	}
	if opts.showVersion {
		fmt.Printf("meshbridge %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting meshbridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath, explicit := getConfigPath(opts)
	cfg, source, err := loadConfig(configPath, explicit, opts)
	if err != nil {
		return err
	}
	log.Info("configuration loaded", "source", source)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	applied, err := db.Migrate(ctx, migrations.FS)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database migrations complete", "applied", applied)

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Verify infrastructure before touching radios and brokers
	if err := healthCheck(ctx, db, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	// Start node recorder
	recorder := mesh.NewNodeRecorder(mesh.NodeRecorderConfig{
		DB:     db.DB,
		Logger: log.With("component", "recorder"),
	})
	if err := recorder.Start(); err != nil {
		return fmt.Errorf("starting node recorder: %w", err)
	}
	defer func() {
		log.Info("stopping node recorder")
		recorder.Stop()
	}()
	if known, countErr := recorder.NodeCount(ctx); countErr == nil {
		log.Info("node recorder started", "known_nodes", known)
	}

	registry := mesh.NewRegistry()
	defer func() {
		log.Info("stopping bridges", "count", registry.Len())
		registry.Shutdown()
		logBridgeTotals(log, registry.Stats())
	}()

	// Start one relay bridge, monitor and radio link per address
	w, err := newWiring(cfg, registry, recorder, influxClient, log)
	if err != nil {
		return err
	}
	providers := make(map[string]mesh.BridgeProvider, len(cfg.Radio.Addresses))
	for i, addr := range cfg.Radio.Addresses {
		r, err := w.startRadio(i, addr)
		if err != nil {
			return fmt.Errorf("starting radio %s: %w", addr, err)
		}
		defer r.stop()
		providers[addr] = r.monitor
	}

	// Start status reporter
	statusCfg := mesh.StatusReporterConfig{
		Interval:  cfg.GetStatusInterval(),
		Providers: providers,
		Logger:    log.With("component", "status"),
	}
	if influxClient != nil {
		statusCfg.Writer = influxClient
	}
	reporter := mesh.NewStatusReporter(statusCfg)
	reporter.Start(ctx)
	defer func() {
		log.Info("stopping status reporter")
		reporter.Stop()
	}()

	sdnotify(log, daemon.SdNotifyReady)
	log.Info("initialisation complete, waiting for shutdown signal",
		"radios", len(cfg.Radio.Addresses),
	)

	// Wait for shutdown signal
	<-ctx.Done()

	sdnotify(log, daemon.SdNotifyStopping)
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// 1. Status reporter
	// 2. Radio links and monitors
	// 3. Bridges
	// 4. Node recorder (final flush)
	// 5. InfluxDB (if enabled)
	// 6. Database

	log.Info("meshbridge stopped")
	return nil
}

// parseFlags parses the command line.
func parseFlags(args []string) (options, error) {
	var opts options

	flagSet := pflag.NewFlagSet("meshbridge", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "path to the YAML config file (env "+configEnv+")")
	flagSet.StringArrayVarP(&opts.radios, "radio", "d", nil, "radio address host:port, repeatable (overrides radio.addresses)")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version and exit")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			opts.help = true
			return opts, nil
		}
		return options{}, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return options{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	opts.configExplicit = flagSet.Changed("config")

	return opts, nil
}

// loadConfig loads path and applies flag overrides. A missing file at the
// default location falls back to the built-in defaults; a missing file
// named explicitly is an error. It returns the config and a description of
// where it came from.
func loadConfig(path string, explicit bool, opts options) (*config.Config, string, error) {
	cfg, err := config.Load(path)
	source := path
	switch {
	case err == nil:
	case !explicit && errors.Is(err, fs.ErrNotExist):
		cfg = config.Default()
		source = "defaults"
	default:
		return nil, "", fmt.Errorf("loading config: %w", err)
	}

	if len(opts.radios) > 0 {
		cfg.Radio.Addresses = opts.radios
	}
	if opts.verbose {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("validating config: %w", err)
	}
	return cfg, source, nil
}

// getConfigPath returns the configuration file path and whether the user
// chose it. The flag wins over MESHBRIDGE_CONFIG, which wins over the default.
func getConfigPath(opts options) (string, bool) {
	if opts.configExplicit {
		return opts.configPath, true
	}
	if path := os.Getenv(configEnv); path != "" {
		return path, true
	}
	return defaultConfigPath, false
}

// healthCheck verifies the local infrastructure is usable. Radios and
// brokers are not checked: their links retry in the background.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, influxClient *influxdb.Client) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}

// logBridgeTotals logs the final counters of every bridge.
func logBridgeTotals(log *logging.Logger, stats []mesh.Stats) {
	for _, st := range stats {
		log.Info("bridge totals",
			"bridge", st.Name,
			"published", st.Published,
			"confirmed", st.PublishConfirmed,
			"messaged", st.Messaged,
			"dropped", st.Dropped,
			"recovered", st.Recovered,
			"unsent", st.ProxyQueued+st.PacketsQueued,
		)
	}
}

// sdnotify reports state to systemd. Outside systemd it does nothing.
func sdnotify(log *logging.Logger, state string) bool {
	ok, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", "state", state, "error", err)
	}
	return ok
}

// newDialer returns the broker dialer shared by every bridge.
func newDialer(log *logging.Logger) mesh.Dialer {
	return mqtt.NewDialer(mqtt.DialerConfig{
		Logger: log.With("component", "mqtt"),
	})
}
