package upload

import (
	"context"
	"log/slog"
	"time"
)

// WatchdogConfig controls the idle shutdown check.
type WatchdogConfig struct {
	// Interval between checks. Default: 1h.
	Interval time.Duration
	// MaxIdle is how long without a sensor reading counts as idle.
	// Default: 30m.
	MaxIdle time.Duration
}

func (c *WatchdogConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = 30 * time.Minute
	}
}

// Activity is what the watchdog inspects.
type Activity interface {
	// LastReading is the time of the most recent sensor reading.
	LastReading() time.Time
	// Logging reports whether sampling is enabled.
	Logging() bool
	// Uploading reports whether the upload loop is running.
	Uploading() bool
}

// Watchdog calls shutdown once the process has been idle for MaxIdle:
// no reading, not logging and not uploading.
type Watchdog struct {
	activity Activity
	shutdown func()
	config   WatchdogConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewWatchdog creates a watchdog. shutdown is called at most once.
func NewWatchdog(a Activity, shutdown func(), cfg WatchdogConfig, logger *slog.Logger) *Watchdog {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{activity: a, shutdown: shutdown, config: cfg, logger: logger, now: time.Now}
}

// Check reports whether the process is idle.
func (w *Watchdog) Check() bool {
	if w.activity.Logging() || w.activity.Uploading() {
		return false
	}
	return w.now().Sub(w.activity.LastReading()) > w.config.MaxIdle
}

// Run checks every Interval until ctx is cancelled or shutdown was called.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.Check() {
				w.logger.Warn("watchdog: idle, shutting down",
					"last_reading", w.activity.LastReading(), "max_idle", w.config.MaxIdle)
				w.shutdown()
				return
			}
		}
	}
}
