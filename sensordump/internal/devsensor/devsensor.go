// Package devsensor enumerates on-board sensors and streams their readings.
package devsensor

import (
	"context"
	"strings"
	"time"
)

// Mode is how a sensor reports.
type Mode int

const (
	Continuous Mode = iota
	OnChange
	OneShot
)

func (m Mode) String() string {
	switch m {
	case Continuous:
		return "continuous"
	case OnChange:
		return "on_change"
	case OneShot:
		return "one_shot"
	}
	return "unknown"
}

// Sensor describes one scalar channel. Type is a dotted name whose last
// segment becomes the document field.
type Sensor struct {
	Type string
	Mode Mode

	read func() (float64, error)
}

// Event is one reading.
type Event struct {
	Sensor Sensor
	Values []float64
	Time   time.Time
}

// Source enumerates sensors and subscribes to them.
type Source interface {
	Sensors() ([]Sensor, error)
	// Subscribe starts delivering events for sensors to out and returns.
	// Delivery stops when ctx is cancelled.
	Subscribe(ctx context.Context, sensors []Sensor, out chan<- Event) error
}

// Usable drops one-shot sensors, which fire once and then go silent.
func Usable(sensors []Sensor) []Sensor {
	out := make([]Sensor, 0, len(sensors))
	for _, s := range sensors {
		if s.Mode != OneShot {
			out = append(out, s)
		}
	}
	return out
}

// LeafName returns the last '.'-separated segment of a sensor type, or the
// whole type when it has no usable segment.
func LeafName(typ string) string {
	if i := strings.LastIndexByte(typ, '.'); i >= 0 && i < len(typ)-1 {
		return typ[i+1:]
	}
	return typ
}
