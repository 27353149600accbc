package devsensor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Sysfs reads Linux industrial-I/O and hwmon sensors by polling sysfs.
//
// IIO channels come from <root>/bus/iio/devices/iio:device*/in_<ch>_raw
// (scaled by in_<ch>_scale or in_<type>_scale, offset by in_<ch>_offset) and
// in_<ch>_input. hwmon temperatures come from
// <root>/class/hwmon/hwmon*/temp*_input in millidegrees.
type Sysfs struct {
	// Root is the sysfs mount point. Default: /sys.
	Root string
	// Interval is the poll period per sensor. Default: 200ms.
	Interval time.Duration
	Logger   *slog.Logger
}

func (s *Sysfs) root() string {
	if s.Root == "" {
		return "/sys"
	}
	return s.Root
}

func (s *Sysfs) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Sensors lists every readable channel, sorted by type.
func (s *Sysfs) Sensors() ([]Sensor, error) {
	var out []Sensor

	devs, err := filepath.Glob(filepath.Join(s.root(), "bus", "iio", "devices", "iio:device*"))
	if err != nil {
		return nil, fmt.Errorf("devsensor: glob iio: %w", err)
	}
	for _, dev := range devs {
		out = append(out, iioChannels(dev)...)
	}

	mons, err := filepath.Glob(filepath.Join(s.root(), "class", "hwmon", "hwmon*"))
	if err != nil {
		return nil, fmt.Errorf("devsensor: glob hwmon: %w", err)
	}
	for _, mon := range mons {
		out = append(out, hwmonChannels(mon)...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func iioChannels(dev string) []Sensor {
	var out []Sensor
	seen := map[string]bool{}

	raws, _ := filepath.Glob(filepath.Join(dev, "in_*_raw"))
	for _, raw := range raws {
		ch := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(raw), "in_"), "_raw")
		seen[ch] = true
		scale := readFloatOr(filepath.Join(dev, "in_"+ch+"_scale"), math.NaN())
		if math.IsNaN(scale) {
			scale = readFloatOr(filepath.Join(dev, "in_"+channelType(ch)+"_scale"), 1)
		}
		offset := readFloatOr(filepath.Join(dev, "in_"+ch+"_offset"), 0)
		path := raw
		out = append(out, Sensor{
			Type: "linux.iio." + ch,
			Mode: modeFor(ch),
			read: func() (float64, error) {
				v, err := readFloat(path)
				if err != nil {
					return 0, err
				}
				return (v + offset) * scale, nil
			},
		})
	}

	inputs, _ := filepath.Glob(filepath.Join(dev, "in_*_input"))
	for _, in := range inputs {
		ch := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(in), "in_"), "_input")
		if seen[ch] {
			continue
		}
		path := in
		out = append(out, Sensor{
			Type: "linux.iio." + ch,
			Mode: modeFor(ch),
			read: func() (float64, error) { return readFloat(path) },
		})
	}
	return out
}

func hwmonChannels(mon string) []Sensor {
	name := strings.TrimSpace(readString(filepath.Join(mon, "name")))
	if name == "" {
		name = filepath.Base(mon)
	}
	var out []Sensor
	temps, _ := filepath.Glob(filepath.Join(mon, "temp*_input"))
	for _, in := range temps {
		ch := strings.TrimSuffix(filepath.Base(in), "_input")
		path := in
		out = append(out, Sensor{
			Type: "linux.hwmon." + name + "_" + ch,
			Mode: Continuous,
			read: func() (float64, error) {
				v, err := readFloat(path)
				if err != nil {
					return 0, err
				}
				return v / 1000, nil
			},
		})
	}
	return out
}

// channelType is the IIO channel type: "accel" for "accel_x".
func channelType(ch string) string {
	if i := strings.IndexByte(ch, '_'); i > 0 {
		return ch[:i]
	}
	return ch
}

func modeFor(ch string) Mode {
	switch channelType(ch) {
	case "proximity", "illuminance", "intensity", "steps":
		return OnChange
	}
	return Continuous
}

// Subscribe polls each sensor on its own goroutine. On-change sensors only
// emit when the value differs from the previous poll.
func (s *Sysfs) Subscribe(ctx context.Context, sensors []Sensor, out chan<- Event) error {
	if len(sensors) == 0 {
		return fmt.Errorf("devsensor: no sensors to subscribe")
	}
	interval := s.Interval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	for _, sn := range sensors {
		if sn.read == nil {
			return fmt.Errorf("devsensor: sensor %s has no reader", sn.Type)
		}
	}
	for _, sn := range sensors {
		go s.poll(ctx, sn, interval, out)
	}
	return nil
}

func (s *Sysfs) poll(ctx context.Context, sn Sensor, interval time.Duration, out chan<- Event) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := math.NaN()
	failing := false
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			v, err := sn.read()
			if err != nil {
				if !failing {
					s.logger().Warn("devsensor: read failed", "sensor", sn.Type, "error", err)
					failing = true
				}
				continue
			}
			failing = false
			if sn.Mode == OnChange && v == last {
				continue
			}
			last = v
			select {
			case out <- Event{Sensor: sn, Values: []float64{v}, Time: now}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Battery returns the charge percentage of the first battery under
// <root>/class/power_supply, and false when there is none.
func Battery(root string) (float64, bool) {
	if root == "" {
		root = "/sys"
	}
	supplies, _ := filepath.Glob(filepath.Join(root, "class", "power_supply", "*"))
	sort.Strings(supplies)
	for _, ps := range supplies {
		if t := strings.TrimSpace(readString(filepath.Join(ps, "type"))); t != "" && t != "Battery" {
			continue
		}
		v, err := readFloat(filepath.Join(ps, "capacity"))
		if err == nil {
			return v, true
		}
	}
	return 0, false
}

// BatteryGauge caches the battery level, refreshed by Run.
type BatteryGauge struct {
	Root     string
	Interval time.Duration

	bits atomic.Uint64 // math.Float64bits of the level; 0 means unknown
}

// Refresh reads the level once.
func (g *BatteryGauge) Refresh() {
	if v, ok := Battery(g.Root); ok && v > 0 {
		g.bits.Store(math.Float64bits(v))
	}
}

// Level returns the last known level; false until one was read.
func (g *BatteryGauge) Level() (float64, bool) {
	b := g.bits.Load()
	if b == 0 {
		return 0, false
	}
	return math.Float64frombits(b), true
}

// Run refreshes every Interval (default 30s) until ctx is cancelled.
func (g *BatteryGauge) Run(ctx context.Context) {
	interval := g.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	g.Refresh()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Refresh()
		}
	}
}

func readString(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(b)
}

func readFloat(path string) (float64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
	if err != nil {
		return 0, fmt.Errorf("devsensor: parse %s: %w", path, err)
	}
	return v, nil
}

func readFloatOr(path string, def float64) float64 {
	v, err := readFloat(path)
	if err != nil {
		return def
	}
	return v
}
