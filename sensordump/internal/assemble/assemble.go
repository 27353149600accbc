// Package assemble fuses sensor events, position and audio readings into
// documents at a bounded rate and hands them to the queue.
package assemble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/sensordump/sensordump/internal/devsensor"
	"github.com/hazyhaar/sensordump/sensordump/internal/document"
	"github.com/hazyhaar/sensordump/sensordump/internal/queue"
)

// Refresh interval bounds.
const (
	DefaultInterval = 250 * time.Millisecond
	MinInterval     = 50 * time.Millisecond
)

// ErrNotArmed is returned when attaching a producer outside a session.
var ErrNotArmed = errors.New("assemble: not armed")

// ClampInterval applies the MinInterval floor.
func ClampInterval(d time.Duration) time.Duration {
	if d < MinInterval {
		return MinInterval
	}
	return d
}

// Merger contributes fields from a producer's pending reading. Unmerge
// hands the reading consumed by the last Merge back when its document was
// dropped.
type Merger interface {
	Merge(doc document.Document) (bool, error)
	Unmerge()
}

// Store persists a document.
type Store interface {
	Enqueue(ctx context.Context, doc document.Document) (queue.Record, error)
}

// Observer is told about every stored document and which producers
// contributed to it.
type Observer interface {
	DocumentStored(gps, audio bool)
}

// Options configures an Assembler.
type Options struct {
	Interval time.Duration
	// Battery returns the current charge percentage, if known.
	Battery  func() (float64, bool)
	Observer Observer
	// Tap receives the JSON of every stored document.
	Tap    func(rec queue.Record)
	Logger *slog.Logger
	Now    func() time.Time
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	o.Interval = ClampInterval(o.Interval)
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Assembler builds one document per accepted sensor event.
type Assembler struct {
	store  Store
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	armed    bool
	start    time.Time
	interval time.Duration
	limiter  *rate.Limiter
	gps      Merger
	audio    Merger
	tap      func(queue.Record)
}

// New creates a disarmed Assembler.
func New(store Store, opts Options) *Assembler {
	opts.defaults()
	return &Assembler{
		store:    store,
		opts:     opts,
		logger:   opts.Logger,
		interval: opts.Interval,
		limiter:  rate.NewLimiter(rate.Every(opts.Interval), 1),
		tap:      opts.Tap,
	}
}

// Arm starts a session at now. The first document is emitted no earlier
// than one interval later.
func (a *Assembler) Arm(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.armed = true
	a.start = now
	a.limiter = rate.NewLimiter(rate.Every(a.interval), 1)
	a.limiter.AllowN(now, 1)
}

// Disarm ends the session and detaches GPS and audio.
func (a *Assembler) Disarm() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.armed = false
	a.gps = nil
	a.audio = nil
}

// Armed reports whether a session is active.
func (a *Assembler) Armed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.armed
}

// StartTime returns the session start.
func (a *Assembler) StartTime() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.start
}

// SetGPS attaches a position producer; nil detaches.
func (a *Assembler) SetGPS(m Merger) error {
	return a.attach(&a.gps, m)
}

// SetAudio attaches an audio producer; nil detaches.
func (a *Assembler) SetAudio(m Merger) error {
	return a.attach(&a.audio, m)
}

func (a *Assembler) attach(slot *Merger, m Merger) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m != nil && !a.armed {
		return ErrNotArmed
	}
	*slot = m
	return nil
}

// SetInterval changes the refresh interval and returns the clamped value.
func (a *Assembler) SetInterval(d time.Duration) time.Duration {
	d = ClampInterval(d)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.interval = d
	a.limiter.SetLimitAt(a.opts.Now(), rate.Every(d))
	return d
}

// Interval returns the current refresh interval.
func (a *Assembler) Interval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interval
}

// SetTap replaces the stored-document callback.
func (a *Assembler) SetTap(tap func(queue.Record)) {
	a.mu.Lock()
	a.tap = tap
	a.mu.Unlock()
}

// HandleEvent builds and stores a document for ev when armed and the
// interval has elapsed. It reports whether a document was stored. A document
// that fails to build or store is dropped without using up the interval.
func (a *Assembler) HandleEvent(ctx context.Context, ev devsensor.Event) (bool, error) {
	a.mu.Lock()
	if !a.armed {
		a.mu.Unlock()
		return false, nil
	}
	now := a.opts.Now()
	r := a.limiter.ReserveN(now, 1)
	if !r.OK() || r.DelayFrom(now) > 0 {
		r.CancelAt(now)
		a.mu.Unlock()
		return false, nil
	}
	start, gps, audio, tap := a.start, a.gps, a.audio, a.tap
	a.mu.Unlock()

	rec, gpsUsed, audioUsed, err := a.build(ctx, ev, now, start, gps, audio)
	if err != nil {
		r.CancelAt(now)
		return false, err
	}

	if a.opts.Observer != nil {
		a.opts.Observer.DocumentStored(gpsUsed, audioUsed)
	}
	if tap != nil {
		tap(rec)
	}
	return true, nil
}

func (a *Assembler) build(ctx context.Context, ev devsensor.Event, now, start time.Time, gps, audio Merger) (queue.Record, bool, bool, error) {
	doc := document.New()
	if err := doc.Stamp(now, start); err != nil {
		return queue.Record{}, false, false, err
	}

	if a.opts.Battery != nil {
		if level, ok := a.opts.Battery(); ok && level > 0 {
			if err := doc.PutNumber(document.FieldBatteryPercentage, level); err != nil {
				return queue.Record{}, false, false, fmt.Errorf("assemble: battery: %w", err)
			}
		}
	}

	name := devsensor.LeafName(ev.Sensor.Type)
	for _, v := range ev.Values {
		if document.ValidNumber(v) {
			doc.PutNumber(name, v)
		}
	}

	// Producer readings go in last so a drop can return them.
	var gpsUsed, audioUsed bool
	var err error
	if gps != nil {
		if gpsUsed, err = gps.Merge(doc); err != nil {
			return queue.Record{}, false, false, fmt.Errorf("assemble: gps: %w", err)
		}
	}
	if audio != nil {
		if audioUsed, err = audio.Merge(doc); err != nil {
			if gpsUsed {
				gps.Unmerge()
			}
			return queue.Record{}, false, false, fmt.Errorf("assemble: audio: %w", err)
		}
	}

	rec, err := a.store.Enqueue(ctx, doc)
	if err != nil {
		if gpsUsed {
			gps.Unmerge()
		}
		if audioUsed {
			audio.Unmerge()
		}
		return queue.Record{}, false, false, err
	}
	return rec, gpsUsed, audioUsed, nil
}

// Run feeds events to HandleEvent until ctx is cancelled or events closes.
func (a *Assembler) Run(ctx context.Context, events <-chan devsensor.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, err := a.HandleEvent(ctx, ev); err != nil {
				a.logger.Warn("assemble: document dropped", "sensor", ev.Sensor.Type, "error", err)
			}
		}
	}
}
