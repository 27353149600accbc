// Package upload drains the local queue into the backend on a fixed tick and
// decides when to give up on an unreachable host.
package upload

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/sensordump/sensordump/internal/queue"
	"github.com/hazyhaar/sensordump/sensordump/internal/settings"
)

// ErrRunning is returned by Run when the loop is already active.
var ErrRunning = errors.New("upload: coordinator already running")

// State is the coordinator's position in its cycle.
type State int

const (
	Idle State = iota
	CheckingHost
	Uploading
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CheckingHost:
		return "checking_host"
	case Uploading:
		return "uploading"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Queue is the part of the local queue the coordinator drains.
type Queue interface {
	DequeueBatch(ctx context.Context, maxRows int) (*queue.Batch, error)
	DeleteBatch(ctx context.Context, b *queue.Batch) (int, error)
	Count(ctx context.Context) (int, error)
}

// Transport reaches the backend.
type Transport interface {
	CheckHost(ctx context.Context, s settings.Settings) error
	Upload(ctx context.Context, b *queue.Batch) error
}

// Reporter receives upload outcomes.
type Reporter interface {
	UploadSucceeded(rows int)
	UploadFailed()
}

// Config controls cadence and the give-up rule.
type Config struct {
	// Tick is the time between cycles. Default: 5s.
	Tick time.Duration
	// Grace is how long the host may stay unreachable before giving up.
	// Default: 20s.
	Grace time.Duration
	// MinRows: with at least this many rows queued the coordinator never
	// gives up. Default: 10.
	MinRows int
	// BatchRows is the batch size. Default: queue.MaxBatchRows.
	BatchRows int
	// StartDelay is the wait before Supervise first starts the loop.
	// Default: 5s.
	StartDelay time.Duration
	// RestartInterval is how long Supervise waits after the loop stopped
	// before starting it again. Default: 60s.
	RestartInterval time.Duration
}

func (c *Config) defaults() {
	if c.Tick <= 0 {
		c.Tick = 5 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 20 * time.Second
	}
	if c.MinRows <= 0 {
		c.MinRows = 10
	}
	if c.BatchRows <= 0 || c.BatchRows > queue.MaxBatchRows {
		c.BatchRows = queue.MaxBatchRows
	}
	if c.StartDelay <= 0 {
		c.StartDelay = 5 * time.Second
	}
	if c.RestartInterval <= 0 {
		c.RestartInterval = 60 * time.Second
	}
}

// Coordinator runs the Idle → CheckingHost → Uploading → Idle cycle.
type Coordinator struct {
	queue     Queue
	transport Transport
	settings  settings.Loader
	reporter  Reporter
	config    Config
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.Mutex
	state       State
	running     bool
	lastSuccess time.Time

	wake chan struct{}
}

// New creates a coordinator. It starts in Idle; call Run or Supervise.
func New(q Queue, t Transport, s settings.Loader, r Reporter, cfg Config, logger *slog.Logger) *Coordinator {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		queue:     q,
		transport: t,
		settings:  s,
		reporter:  r,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
		wake:      make(chan struct{}, 1),
	}
	c.lastSuccess = c.now()
	return c
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Uploading reports whether the upload loop is running. The loop exits once
// the queue is drained, so an idle process with a reachable backend reports
// false between Supervise restarts.
func (c *Coordinator) Uploading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run resets the give-up timer and ticks until the coordinator reaches
// Stopped or ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrRunning
	}
	c.running = true
	c.state = Idle
	c.lastSuccess = c.now()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.state = Stopped
		c.mu.Unlock()
	}()

	c.logger.Info("upload: started", "tick", c.config.Tick, "grace", c.config.Grace)
	ticker := time.NewTicker(c.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("upload: stopped", "reason", "cancelled")
			return nil
		case <-ticker.C:
			if c.Tick(ctx) == Stopped {
				c.logger.Info("upload: stopped")
				return nil
			}
		}
	}
}

// Supervise starts Run after StartDelay and restarts it RestartInterval
// after each stop, or immediately on Wake. Blocks until ctx is cancelled.
func (c *Coordinator) Supervise(ctx context.Context) {
	timer := time.NewTimer(c.config.StartDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-c.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		if err := c.Run(ctx); err != nil {
			c.logger.Debug("upload: supervise", "error", err)
		}
		timer.Reset(c.config.RestartInterval)
	}
}

// Wake asks Supervise to start the loop now if it is stopped.
func (c *Coordinator) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Tick runs one decision cycle and returns the state it ends in. Stopped
// means the loop should exit: the queue is empty, the host stayed
// unreachable past the grace window with little data queued, or ctx was
// cancelled. An upload already started runs to completion on a context
// detached from ctx and its outcome is recorded before Tick returns.
func (c *Coordinator) Tick(ctx context.Context) State {
	c.setState(CheckingHost)

	if err := c.checkHost(ctx); err != nil {
		if ctx.Err() != nil {
			c.setState(Stopped)
			return Stopped
		}
		if c.shouldGiveUp(ctx) {
			c.logger.Warn("upload: giving up, host unreachable", "error", err,
				"since_success", c.now().Sub(c.lastSuccessAt()))
			c.setState(Stopped)
			return Stopped
		}
		c.logger.Debug("upload: host unreachable", "error", err)
		c.setState(Idle)
		return Idle
	}

	batch, err := c.queue.DequeueBatch(ctx, c.config.BatchRows)
	if err != nil {
		c.logger.Error("upload: dequeue failed", "error", err)
		c.setState(Idle)
		return Idle
	}
	if batch.Len() == 0 {
		c.markSuccess()
		c.logger.Debug("upload: queue drained")
		c.setState(Stopped)
		return Stopped
	}

	c.setState(Uploading)
	// A stop never aborts an open request; the transport's own timeouts
	// bound it.
	detached := context.WithoutCancel(ctx)
	if err := c.transport.Upload(detached, batch); err != nil {
		c.reporter.UploadFailed()
		c.logger.Warn("upload: batch failed", "first_id", batch.FirstID, "rows", batch.Len(), "error", err)
	} else {
		n, err := c.queue.DeleteBatch(detached, batch)
		if err != nil {
			c.logger.Error("upload: delete after upload failed, rows will be re-sent",
				"first_id", batch.FirstID, "last_id", batch.LastID, "error", err)
		}
		c.reporter.UploadSucceeded(batch.Len())
		c.markSuccess()
		c.logger.Info("upload: batch indexed", "rows", batch.Len(), "deleted", n,
			"first_id", batch.FirstID, "last_id", batch.LastID)
	}

	if ctx.Err() != nil {
		c.setState(Stopped)
		return Stopped
	}
	c.setState(Idle)
	return Idle
}

func (c *Coordinator) checkHost(ctx context.Context) error {
	s, err := c.settings.Load()
	if err != nil {
		return err
	}
	return c.transport.CheckHost(ctx, s)
}

func (c *Coordinator) shouldGiveUp(ctx context.Context) bool {
	if c.now().Sub(c.lastSuccessAt()) <= c.config.Grace {
		return false
	}
	n, err := c.queue.Count(ctx)
	if err != nil {
		c.logger.Warn("upload: count failed", "error", err)
		return false
	}
	return n < c.config.MinRows
}

func (c *Coordinator) markSuccess() {
	c.mu.Lock()
	c.lastSuccess = c.now()
	c.mu.Unlock()
}

func (c *Coordinator) lastSuccessAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSuccess
}
