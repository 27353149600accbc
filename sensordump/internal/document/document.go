// Package document defines the flat field map that every sample becomes
// before it is queued and uploaded.
package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// TimeLayout is the timestamp format of @timestamp and start_time.
const TimeLayout = "2006-01-02T15:04:05.000-0700"

// Field names written by the assembler itself.
const (
	FieldTimestamp          = "@timestamp"
	FieldStartTime          = "start_time"
	FieldLogDurationSeconds = "log_duration_seconds"
	FieldBatteryPercentage  = "battery_percentage"
)

// ErrInvalidNumber is returned when a numeric value is NaN, infinite or
// outside the signed 64-bit range.
var ErrInvalidNumber = errors.New("document: invalid number")

// Document is one sample: field name to string or number. encoding/json
// writes map keys in sorted order.
type Document map[string]any

// New returns an empty document.
func New() Document { return make(Document) }

// ValidNumber reports whether v is finite and strictly inside the int64 range.
func ValidNumber(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	return v > math.MinInt64 && v < math.MaxInt64
}

// PutNumber stores v under name. It rejects empty names and invalid numbers.
func (d Document) PutNumber(name string, v float64) error {
	if name == "" {
		return fmt.Errorf("document: empty field name")
	}
	if !ValidNumber(v) {
		return fmt.Errorf("%w: %s=%v", ErrInvalidNumber, name, v)
	}
	d[name] = v
	return nil
}

// PutInt stores an integer value under name.
func (d Document) PutInt(name string, v int64) error {
	if name == "" {
		return fmt.Errorf("document: empty field name")
	}
	if v == math.MinInt64 || v == math.MaxInt64 {
		return fmt.Errorf("%w: %s=%d", ErrInvalidNumber, name, v)
	}
	d[name] = v
	return nil
}

// PutString stores a string value under name.
func (d Document) PutString(name, v string) error {
	if name == "" {
		return fmt.Errorf("document: empty field name")
	}
	d[name] = v
	return nil
}

// Stamp writes @timestamp, start_time and log_duration_seconds.
func (d Document) Stamp(now, start time.Time) error {
	if err := d.PutString(FieldTimestamp, FormatTime(now)); err != nil {
		return err
	}
	if err := d.PutString(FieldStartTime, FormatTime(start)); err != nil {
		return err
	}
	return d.PutInt(FieldLogDurationSeconds, int64(now.Sub(start)/time.Second))
}

// Marshal serializes the document as compact JSON with sorted keys.
func (d Document) Marshal() ([]byte, error) {
	b, err := json.Marshal(map[string]any(d))
	if err != nil {
		return nil, fmt.Errorf("document: marshal: %w", err)
	}
	return b, nil
}

// FormatTime renders t with millisecond precision and a numeric zone offset.
func FormatTime(t time.Time) string {
	return t.Format(TimeLayout)
}

// FormatLatLon renders a coordinate pair the way geo_point accepts it as a
// string: "lat,lon".
func FormatLatLon(lat, lon float64) string {
	return fmt.Sprintf("%v,%v", lat, lon)
}
