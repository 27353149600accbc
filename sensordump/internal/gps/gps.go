// Package gps turns position fixes into document fields: current and start
// position, speed and acceleration in three units, and per-fix and
// cumulative great-circle distance.
package gps

import (
	"sync"
	"time"

	"github.com/hazyhaar/sensordump/sensordump/internal/document"
	"github.com/hazyhaar/sensordump/sensordump/internal/geo"
)

// Unit conversions.
const (
	MetresPerSecondToKmh = 3.6
	MetresPerSecondToMph = 2.23694
	MetresToFeet         = 3.28084
	MetresToKm           = 0.001
	MetresToMiles        = 0.000621371
)

// Fix is one position report from a location source.
type Fix struct {
	Lat      float64
	Lon      float64
	Altitude float64 // metres
	Accuracy float64 // metres
	Bearing  float64 // degrees
	Speed    float64 // metres per second
	Provider string
	Time     time.Time
}

// Reading is the derived state after a fix.
type Reading struct {
	Fix
	StartLat, StartLon  float64
	Updates             int
	Acceleration        float64 // speed delta since previous fix, m/s
	DistanceMetres      float64
	TotalDistanceMetres float64
}

// Put writes the reading's fields into doc.
func (r Reading) Put(doc document.Document) error {
	if err := doc.PutString("location", document.FormatLatLon(r.Lat, r.Lon)); err != nil {
		return err
	}
	if err := doc.PutString("start_location", document.FormatLatLon(r.StartLat, r.StartLon)); err != nil {
		return err
	}
	if err := doc.PutString("gps_provider", r.Provider); err != nil {
		return err
	}
	if err := doc.PutInt("gps_updates", int64(r.Updates)); err != nil {
		return err
	}
	nums := []struct {
		name string
		v    float64
	}{
		{"altitude", r.Altitude},
		{"accuracy", r.Accuracy},
		{"bearing", r.Bearing},
		{"speed", r.Speed},
		{"speed_kmh", r.Speed * MetresPerSecondToKmh},
		{"speed_mph", r.Speed * MetresPerSecondToMph},
		{"acceleration", r.Acceleration},
		{"acceleration_kmh", r.Acceleration * MetresPerSecondToKmh},
		{"acceleration_mph", r.Acceleration * MetresPerSecondToMph},
		{"distance_metres", r.DistanceMetres},
		{"distance_feet", r.DistanceMetres * MetresToFeet},
		{"total_distance_metres", r.TotalDistanceMetres},
		{"total_distance_km", r.TotalDistanceMetres * MetresToKm},
		{"total_distance_miles", r.TotalDistanceMetres * MetresToMiles},
	}
	for _, n := range nums {
		if err := doc.PutNumber(n.name, n.v); err != nil {
			return err
		}
	}
	return nil
}

// Producer accumulates fixes for one logging session. Update may be called
// from any goroutine; the newest reading waits in a one-slot mailbox until
// Merge consumes it.
type Producer struct {
	mu      sync.Mutex
	updates int
	start   Fix
	last    Fix
	total   float64
	taken   *Reading

	mailbox chan Reading
}

// NewProducer returns a producer with an empty session.
func NewProducer() *Producer {
	return &Producer{mailbox: make(chan Reading, 1)}
}

// Update records a fix and publishes the derived reading, replacing any
// reading not yet merged.
func (p *Producer) Update(f Fix) Reading {
	p.mu.Lock()
	if p.updates == 0 {
		p.start = f
		p.last = f
	}
	dist := geo.HaversineMetres(p.last.Lat, p.last.Lon, f.Lat, f.Lon)
	p.total += dist
	p.updates++
	r := Reading{
		Fix:                 f,
		StartLat:            p.start.Lat,
		StartLon:            p.start.Lon,
		Updates:             p.updates,
		Acceleration:        f.Speed - p.last.Speed,
		DistanceMetres:      dist,
		TotalDistanceMetres: p.total,
	}
	p.last = f

	// Replace-latest under the lock so concurrent updates keep order.
	select {
	case <-p.mailbox:
	default:
	}
	p.mailbox <- r
	p.mu.Unlock()
	return r
}

// Merge adds the pending reading to doc, if any, and reports whether it did.
// A reading is merged at most once unless Unmerge hands it back.
func (p *Producer) Merge(doc document.Document) (bool, error) {
	select {
	case r := <-p.mailbox:
		if err := r.Put(doc); err != nil {
			return false, err
		}
		p.mu.Lock()
		p.taken = &r
		p.mu.Unlock()
		return true, nil
	default:
		return false, nil
	}
}

// Unmerge republishes the reading taken by the last Merge after the
// document carrying it was dropped. A reading published since is kept
// instead.
func (p *Producer) Unmerge() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.taken == nil {
		return
	}
	r := *p.taken
	p.taken = nil
	select {
	case p.mailbox <- r:
	default:
	}
}

// Reset starts a new session: the next fix becomes the start position and
// distances restart from zero. A pending reading is discarded.
func (p *Producer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = 0
	p.total = 0
	p.start = Fix{}
	p.last = Fix{}
	p.taken = nil
	select {
	case <-p.mailbox:
	default:
	}
}
