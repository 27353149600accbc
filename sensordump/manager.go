// Package sensordump samples device sensors, position and microphone audio,
// buffers the resulting documents in SQLite and ships them to an
// Elasticsearch-compatible backend.
//
// The pipeline:
//
//	devsensor / gps / audio → assemble → queue → upload → bulk → _bulk
//
// Usage:
//
//	m, err := sensordump.New(cfg, logger)
//	m.RegisterMCP(mcpServer)
//	http.Handle("/", m.Handler())
//	stopped := m.Start(ctx)
//	m.StartLogging(ctx)
//	...
//	cancel()
//	<-stopped
//	m.Close()
package sensordump

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/sensordump/sensordump/internal/assemble"
	"github.com/hazyhaar/sensordump/sensordump/internal/audio"
	"github.com/hazyhaar/sensordump/sensordump/internal/bulk"
	"github.com/hazyhaar/sensordump/sensordump/internal/devsensor"
	"github.com/hazyhaar/sensordump/sensordump/internal/gps"
	"github.com/hazyhaar/sensordump/sensordump/internal/queue"
	"github.com/hazyhaar/sensordump/sensordump/internal/settings"
	"github.com/hazyhaar/sensordump/sensordump/internal/upload"
)

// ErrClosed is returned by StartLogging after Close.
var ErrClosed = errors.New("sensordump: manager closed")

// LocationSource delivers position fixes until ctx is cancelled.
type LocationSource interface {
	Run(ctx context.Context, update func(gps.Fix)) error
}

// AudioOpener starts a microphone capture.
type AudioOpener func() (audio.Capture, error)

// Counters are the per-process session counters.
type Counters struct {
	sensorReadings   atomic.Int64
	gpsReadings      atomic.Int64
	audioReadings    atomic.Int64
	documentsIndexed atomic.Int64
	uploadErrors     atomic.Int64
}

// Snapshot is a point-in-time view of the counters and the queue size.
type Snapshot struct {
	SensorReadings     int64 `json:"sensorReadings"`
	GPSReadings        int64 `json:"gpsReadings"`
	AudioReadings      int64 `json:"audioReadings"`
	DocumentsIndexed   int64 `json:"documentsIndexed"`
	UploadErrors       int64 `json:"uploadErrors"`
	DatabasePopulation int   `json:"databasePopulation"`
}

// Status describes what the manager is doing.
type Status struct {
	Logging         bool   `json:"logging"`
	GPS             bool   `json:"gps"`
	Audio           bool   `json:"audio"`
	RefreshInterval int    `json:"refresh_interval_ms"`
	Upload          string `json:"upload"`
}

// Option configures a Manager during creation.
type Option func(*Manager)

// WithSensorSource replaces the sysfs sensor source.
func WithSensorSource(s devsensor.Source) Option {
	return func(m *Manager) { m.sensors = s }
}

// WithLocationSource replaces the gpsd source.
func WithLocationSource(s LocationSource) Option {
	return func(m *Manager) { m.location = s }
}

// WithAudioOpener replaces the capture command.
func WithAudioOpener(fn AudioOpener) Option {
	return func(m *Manager) { m.openAudio = fn }
}

// WithSettings replaces the upload settings file.
func WithSettings(l settings.Loader) Option {
	return func(m *Manager) { m.settings = l }
}

// WithHTTPTransport sets the round tripper used for the backend.
func WithHTTPTransport(rt http.RoundTripper) Option {
	return func(m *Manager) { m.transport = rt }
}

// WithBattery replaces the sysfs battery gauge.
func WithBattery(fn func() (float64, bool)) Option {
	return func(m *Manager) { m.batteryLevel = fn }
}

// producerRun is one running GPS or audio goroutine.
type producerRun struct {
	cancel context.CancelFunc
}

// Manager owns the pipeline and the session counters.
type Manager struct {
	config *Config
	logger *slog.Logger

	queue       *queue.Queue
	client      *bulk.Client
	assembler   *assemble.Assembler
	gps         *gps.Producer
	audio       *audio.Producer
	battery     *devsensor.BatteryGauge
	coordinator *upload.Coordinator
	watchdog    *upload.Watchdog

	sensors      devsensor.Source
	location     LocationSource
	openAudio    AudioOpener
	settings     settings.Loader
	transport    http.RoundTripper
	batteryLevel func() (float64, bool)

	counters    Counters
	lastReading atomic.Int64 // unix nanoseconds

	mu          sync.Mutex
	closed      bool
	logging     bool
	session     context.Context
	cancel      context.CancelFunc
	gpsWanted   bool
	audioWanted bool
	gpsRun      *producerRun
	audioRun    *producerRun

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a Manager. It opens the queue database and wires the
// assembler, transport client, upload coordinator and idle watchdog.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Manager, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		config:      cfg,
		logger:      logger,
		gpsWanted:   cfg.GPS.Enabled,
		audioWanted: cfg.Audio.Enabled,
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.sensors == nil {
		m.sensors = &devsensor.Sysfs{Root: cfg.Sensors.SysfsRoot, Interval: cfg.Sensors.PollInterval, Logger: logger}
	}
	if m.location == nil {
		m.location = &gps.GPSD{Addr: cfg.GPS.GPSDAddr, Logger: logger}
	}
	if m.openAudio == nil {
		m.openAudio = func() (audio.Capture, error) {
			return audio.OpenCommand(cfg.Audio.Command, cfg.Audio.SampleRate)
		}
	}
	if m.settings == nil {
		m.settings = settings.FileStore{Path: cfg.SettingsPath}
	}
	if m.batteryLevel == nil {
		m.battery = &devsensor.BatteryGauge{Root: cfg.Sensors.SysfsRoot, Interval: cfg.Sensors.BatteryInterval}
		m.batteryLevel = m.battery.Level
	}
	m.lastReading.Store(time.Now().UnixNano())

	q, err := queue.Open(cfg.DBPath, queue.Options{
		Synchronous: cfg.DBSynchronous,
		BusyTimeout: cfg.DBBusyTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	m.queue = q

	m.client = bulk.New(bulk.Options{
		DialTimeout: cfg.Upload.DialTimeout,
		ReadTimeout: cfg.Upload.ReadTimeout,
		Transport:   m.transport,
		Logger:      logger,
	})
	m.gps = gps.NewProducer()
	m.audio = audio.NewProducer(audio.Options{
		SampleRate:    cfg.Audio.SampleRate,
		BufferSamples: cfg.Audio.BufferSamples,
		Logger:        logger,
	})
	m.assembler = assemble.New(q, assemble.Options{
		Interval: cfg.RefreshInterval,
		Battery:  m.batteryLevel,
		Observer: m,
		Logger:   logger,
	})
	m.coordinator = upload.New(q, m.client, m.settings, m, upload.Config{
		Tick:            cfg.Upload.Tick,
		Grace:           cfg.Upload.Grace,
		MinRows:         cfg.Upload.MinRows,
		BatchRows:       cfg.Upload.BatchRows,
		StartDelay:      cfg.Upload.StartDelay,
		RestartInterval: cfg.Upload.RestartInterval,
	}, logger)
	m.watchdog = upload.NewWatchdog(m, m.shutdown, upload.WatchdogConfig{
		Interval: cfg.Idle.CheckInterval,
		MaxIdle:  cfg.Idle.MaxIdle,
	}, logger)

	return m, nil
}

// Start launches the upload supervisor and the idle watchdog. Non-blocking.
// The returned channel is closed once both have returned, which happens
// after ctx is cancelled and any in-flight upload has been recorded. Wait
// on it before Close.
func (m *Manager) Start(ctx context.Context) <-chan struct{} {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.coordinator.Supervise(ctx)
	}()
	go func() {
		defer wg.Done()
		m.watchdog.Run(ctx)
	}()
	stopped := make(chan struct{})
	go func() {
		wg.Wait()
		close(stopped)
	}()
	m.logger.Info("sensordump: started", "db", m.config.DBPath, "settings", m.config.SettingsPath)
	if m.config.AutoStart {
		if err := m.StartLogging(ctx); err != nil {
			m.logger.Error("sensordump: auto start", "error", err)
		}
	}
	return stopped
}

// Close stops logging and closes the queue database. If Start was called,
// cancel its context and wait for its channel first.
func (m *Manager) Close() error {
	m.StopLogging()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.queue.Close()
}

// Done is closed when the idle watchdog asks the process to exit.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) shutdown() {
	m.doneOnce.Do(func() { close(m.done) })
}

// StartLogging arms the assembler, subscribes to the device sensors and
// starts the GPS and audio producers that are switched on. It also starts
// the upload loop if it had stopped. The session outlives ctx's cancellation;
// call StopLogging to end it.
func (m *Manager) StartLogging(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.logging {
		return nil
	}

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	now := time.Now()
	m.assembler.Arm(now)
	m.gps.Reset()
	m.audio.Discard()

	events := make(chan devsensor.Event, 64)
	sensors, err := m.sensors.Sensors()
	if err != nil {
		m.logger.Warn("sensordump: sensors unavailable", "error", err)
	} else if usable := devsensor.Usable(sensors); len(usable) > 0 {
		if err := m.sensors.Subscribe(sessionCtx, usable, events); err != nil {
			m.logger.Warn("sensordump: sensor subscribe failed", "error", err)
		} else {
			m.logger.Info("sensordump: sensors subscribed", "count", len(usable))
		}
	} else {
		m.logger.Warn("sensordump: no usable sensors")
	}
	go m.assembler.Run(sessionCtx, events)
	if m.battery != nil {
		go m.battery.Run(sessionCtx)
	}

	m.session = sessionCtx
	m.cancel = cancel
	m.logging = true
	if m.gpsWanted {
		m.startGPS(sessionCtx)
	}
	if m.audioWanted {
		m.startAudio(sessionCtx)
	}
	m.coordinator.Wake()
	m.logger.Info("sensordump: logging started", "gps", m.gpsWanted, "audio", m.audioWanted,
		"interval", m.assembler.Interval())
	return nil
}

// StopLogging ends the session. GPS and audio stop with it; their
// preferences are kept for the next session.
func (m *Manager) StopLogging() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.logging {
		return
	}
	m.cancel()
	m.session = nil
	m.cancel = nil
	m.gpsRun = nil
	m.audioRun = nil
	m.assembler.Disarm()
	m.logging = false
	m.logger.Info("sensordump: logging stopped")
}

// SetGPSPower switches position logging. While not logging only the
// preference changes.
func (m *Manager) SetGPSPower(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gpsWanted = on
	if !m.logging {
		return
	}
	switch {
	case on && m.gpsRun == nil:
		m.gps.Reset()
		m.startGPS(m.session)
	case !on && m.gpsRun != nil:
		m.gpsRun.cancel()
		m.gpsRun = nil
		m.assembler.SetGPS(nil)
		m.logger.Info("sensordump: gps off")
	}
}

// SetAudioPower switches audio logging. While not logging only the
// preference changes.
func (m *Manager) SetAudioPower(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioWanted = on
	if !m.logging {
		return
	}
	switch {
	case on && m.audioRun == nil:
		m.startAudio(m.session)
	case !on && m.audioRun != nil:
		m.audioRun.cancel()
		m.audioRun = nil
		m.assembler.SetAudio(nil)
		m.audio.Discard()
		m.logger.Info("sensordump: audio off")
	}
}

// startGPS runs the location source. Callers hold m.mu.
func (m *Manager) startGPS(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	run := &producerRun{cancel: cancel}
	m.gpsRun = run
	if err := m.assembler.SetGPS(m.gps); err != nil {
		cancel()
		m.gpsRun = nil
		m.logger.Warn("sensordump: gps attach", "error", err)
		return
	}
	m.logger.Info("sensordump: gps on")
	go func() {
		err := m.location.Run(ctx, func(f gps.Fix) { m.gps.Update(f) })
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("sensordump: gps disabled", "error", err)
		m.mu.Lock()
		if m.gpsRun == run {
			m.gpsRun = nil
			m.assembler.SetGPS(nil)
		}
		m.mu.Unlock()
		cancel()
	}()
}

// startAudio opens the capture and runs the analyser. Callers hold m.mu.
func (m *Manager) startAudio(ctx context.Context) {
	c, err := m.openAudio()
	if err != nil {
		m.logger.Warn("sensordump: audio disabled", "error", err)
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	run := &producerRun{cancel: cancel}
	m.audioRun = run
	if err := m.assembler.SetAudio(m.audio); err != nil {
		cancel()
		c.Close()
		m.audioRun = nil
		m.logger.Warn("sensordump: audio attach", "error", err)
		return
	}
	m.logger.Info("sensordump: audio on")
	go func() {
		err := m.audio.Run(ctx, c)
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("sensordump: audio disabled", "error", err)
		m.mu.Lock()
		if m.audioRun == run {
			m.audioRun = nil
			m.assembler.SetAudio(nil)
		}
		m.mu.Unlock()
		cancel()
	}()
}

// maxIntervalMS is the largest millisecond count a time.Duration holds.
const maxIntervalMS = math.MaxInt64 / int64(time.Millisecond)

// SetRefreshInterval sets the minimum time between documents and returns
// the value applied, in milliseconds. Values past the Duration range
// saturate.
func (m *Manager) SetRefreshInterval(ms int) int {
	v := int64(ms)
	if v > maxIntervalMS {
		v = maxIntervalMS
	}
	d := m.assembler.SetInterval(time.Duration(v) * time.Millisecond)
	m.logger.Info("sensordump: refresh interval", "interval", d)
	return int(d / time.Millisecond)
}

// SetDocumentTap forwards the JSON of every stored document to fn.
// A nil fn removes the tap.
func (m *Manager) SetDocumentTap(fn func([]byte)) {
	if fn == nil {
		m.assembler.SetTap(nil)
		return
	}
	m.assembler.SetTap(func(rec queue.Record) { fn(rec.JSON) })
}

// Snapshot returns the counters and the number of queued documents.
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	n, err := m.queue.Count(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("sensordump: snapshot: %w", err)
	}
	return Snapshot{
		SensorReadings:     m.counters.sensorReadings.Load(),
		GPSReadings:        m.counters.gpsReadings.Load(),
		AudioReadings:      m.counters.audioReadings.Load(),
		DocumentsIndexed:   m.counters.documentsIndexed.Load(),
		UploadErrors:       m.counters.uploadErrors.Load(),
		DatabasePopulation: n,
	}, nil
}

// Status reports the logging switches and the upload state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Logging:         m.logging,
		GPS:             m.gpsWanted,
		Audio:           m.audioWanted,
		RefreshInterval: int(m.assembler.Interval() / time.Millisecond),
		Upload:          m.coordinator.State().String(),
	}
}

// Settings loads the current upload settings.
func (m *Manager) Settings() (settings.Settings, error) {
	return m.settings.Load()
}

// DocumentStored implements assemble.Observer.
func (m *Manager) DocumentStored(gpsUsed, audioUsed bool) {
	m.counters.sensorReadings.Add(1)
	if gpsUsed {
		m.counters.gpsReadings.Add(1)
	}
	if audioUsed {
		m.counters.audioReadings.Add(1)
	}
	m.lastReading.Store(time.Now().UnixNano())
}

// UploadSucceeded implements upload.Reporter.
func (m *Manager) UploadSucceeded(n int) {
	m.counters.documentsIndexed.Add(int64(n))
}

// UploadFailed implements upload.Reporter.
func (m *Manager) UploadFailed() {
	m.counters.uploadErrors.Add(1)
}

// LastReading implements upload.Activity.
func (m *Manager) LastReading() time.Time {
	return time.Unix(0, m.lastReading.Load())
}

// Logging implements upload.Activity.
func (m *Manager) Logging() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logging
}

// Uploading implements upload.Activity.
func (m *Manager) Uploading() bool {
	return m.coordinator.Uploading()
}
