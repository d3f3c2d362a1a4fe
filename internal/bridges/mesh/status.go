package mesh

import (
	"context"
	"slices"
	"sync"
	"time"
)

// defaultStatusInterval is used when StatusReporterConfig.Interval is zero.
const defaultStatusInterval = 60 * time.Second

// StatsWriter persists bridge counters, typically to a time-series store.
type StatsWriter interface {
	WriteBridgeStats(radio string, role Role, s Stats)
}

// StatusReporter periodically logs the publish counters of every bridge
// reachable through its providers.
type StatusReporter struct {
	interval  time.Duration
	providers map[string]BridgeProvider
	writer    StatsWriter
	logger    Logger

	// Shutdown coordination (stopOnce prevents double-close panics)
	startOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// StatusReporterConfig holds configuration for the status reporter.
type StatusReporterConfig struct {
	// Interval is how often to report.
	// Default: 60 seconds.
	Interval time.Duration

	// Providers maps a radio name to the component owning its bridges.
	Providers map[string]BridgeProvider

	// Writer is optional.
	Writer StatsWriter

	Logger Logger
}

// NewStatusReporter creates a new status reporter.
func NewStatusReporter(cfg StatusReporterConfig) *StatusReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultStatusInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	return &StatusReporter{
		interval:  interval,
		providers: cfg.Providers,
		writer:    cfg.Writer,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start begins periodic reporting until ctx is cancelled or Stop is
// called. Only the first call has any effect.
func (r *StatusReporter) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.reportLoop(ctx)
	})
}

// Stop ends reporting and waits for the loop to exit.
// Safe to call multiple times.
func (r *StatusReporter) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}

// ReportNow logs and writes the current counters.
func (r *StatusReporter) ReportNow() {
	for _, radio := range sortedKeys(r.providers) {
		provider := r.providers[radio]
		for _, role := range []Role{RoleRelay, RoleProxy} {
			b, ok := provider.Bridge(role)
			if !ok || b == nil {
				continue
			}
			s := b.Stats()
			r.logger.Info("mqtt published",
				"radio", radio,
				"role", role.String(),
				"bridge", s.Name,
				"state", s.State.String(),
				"confirmed", s.PublishConfirmed,
				"published", s.Published,
				"messaged", s.Messaged,
				"dropped", s.Dropped,
				"queued", s.ProxyQueued+s.PacketsQueued,
			)
			if r.writer != nil {
				r.writer.WriteBridgeStats(radio, role, s)
			}
		}
	}
}

func (r *StatusReporter) reportLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			r.ReportNow()
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
