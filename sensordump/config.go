package sensordump

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the process configuration. Upload target settings live in a
// separate file (SettingsPath) that is re-read before every upload cycle.
type Config struct {
	DBPath          string        `yaml:"db_path"`
	// DBSynchronous is the queue's PRAGMA synchronous level.
	DBSynchronous   string        `yaml:"db_synchronous"`
	DBBusyTimeout   time.Duration `yaml:"db_busy_timeout"`
	SettingsPath    string        `yaml:"settings_path"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	// AutoStart starts logging as soon as the manager starts.
	AutoStart bool `yaml:"auto_start"`

	Sensors SensorsConfig `yaml:"sensors"`
	GPS     GPSConfig     `yaml:"gps"`
	Audio   AudioConfig   `yaml:"audio"`
	Upload  UploadConfig  `yaml:"upload"`
	Idle    IdleConfig    `yaml:"idle"`
	Control ControlConfig `yaml:"control"`
}

// SensorsConfig controls the sysfs sensor source.
type SensorsConfig struct {
	SysfsRoot       string        `yaml:"sysfs_root"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	BatteryInterval time.Duration `yaml:"battery_interval"`
}

// GPSConfig controls the gpsd source.
type GPSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	GPSDAddr string `yaml:"gpsd_addr"`
}

// AudioConfig controls microphone capture.
type AudioConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Command       string `yaml:"command"`
	SampleRate    int    `yaml:"sample_rate"`
	BufferSamples int    `yaml:"buffer_samples"`
}

// UploadConfig controls the upload coordinator and the HTTP client.
type UploadConfig struct {
	Tick            time.Duration `yaml:"tick"`
	Grace           time.Duration `yaml:"grace"`
	MinRows         int           `yaml:"min_rows"`
	BatchRows       int           `yaml:"batch_rows"`
	StartDelay      time.Duration `yaml:"start_delay"`
	RestartInterval time.Duration `yaml:"restart_interval"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
}

// IdleConfig controls the idle shutdown watchdog.
type IdleConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
	MaxIdle       time.Duration `yaml:"max_idle"`
}

// ControlConfig controls the HTTP control surface.
type ControlConfig struct {
	Listen string `yaml:"listen"`
	// RateLimit is the number of mutating requests allowed per minute and IP.
	RateLimit int `yaml:"rate_limit"`
	Burst     int `yaml:"burst"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "sensordump.db"
	}
	if c.DBSynchronous == "" {
		c.DBSynchronous = "NORMAL"
	}
	if c.DBBusyTimeout <= 0 {
		c.DBBusyTimeout = 10 * time.Second
	}
	if c.SettingsPath == "" {
		c.SettingsPath = "upload.yaml"
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 250 * time.Millisecond
	}
	if c.Sensors.SysfsRoot == "" {
		c.Sensors.SysfsRoot = "/sys"
	}
	if c.Sensors.PollInterval <= 0 {
		c.Sensors.PollInterval = 200 * time.Millisecond
	}
	if c.Sensors.BatteryInterval <= 0 {
		c.Sensors.BatteryInterval = 30 * time.Second
	}
	if c.GPS.GPSDAddr == "" {
		c.GPS.GPSDAddr = "localhost:2947"
	}
	if c.Audio.Command == "" {
		c.Audio.Command = "arecord -q -f S16_LE -c 1 -r {rate} -t raw"
	}
	if c.Audio.SampleRate <= 0 {
		c.Audio.SampleRate = 44100
	}
	if c.Audio.BufferSamples <= 0 {
		c.Audio.BufferSamples = 4096
	}
	if c.Upload.Tick <= 0 {
		c.Upload.Tick = 5 * time.Second
	}
	if c.Upload.Grace <= 0 {
		c.Upload.Grace = 20 * time.Second
	}
	if c.Upload.MinRows <= 0 {
		c.Upload.MinRows = 10
	}
	if c.Upload.BatchRows <= 0 {
		c.Upload.BatchRows = 500
	}
	if c.Upload.StartDelay <= 0 {
		c.Upload.StartDelay = 5 * time.Second
	}
	if c.Upload.RestartInterval <= 0 {
		c.Upload.RestartInterval = 60 * time.Second
	}
	if c.Upload.DialTimeout <= 0 {
		c.Upload.DialTimeout = 2 * time.Second
	}
	if c.Upload.ReadTimeout <= 0 {
		c.Upload.ReadTimeout = 2 * time.Second
	}
	if c.Idle.CheckInterval <= 0 {
		c.Idle.CheckInterval = time.Hour
	}
	if c.Idle.MaxIdle <= 0 {
		c.Idle.MaxIdle = 30 * time.Minute
	}
	if c.Control.RateLimit <= 0 {
		c.Control.RateLimit = 120
	}
	if c.Control.Burst <= 0 {
		c.Control.Burst = 20
	}
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("sensordump: config %s: %w", path, err)
	}
	return cfg, nil
}
