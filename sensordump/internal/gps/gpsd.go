package gps

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// DefaultGPSDAddr is where gpsd listens by default.
const DefaultGPSDAddr = "localhost:2947"

// tpv is the subset of a gpsd TPV report that a Fix needs.
type tpv struct {
	Class  string    `json:"class"`
	Device string    `json:"device"`
	Mode   int       `json:"mode"`
	Time   time.Time `json:"time"`
	Lat    *float64  `json:"lat"`
	Lon    *float64  `json:"lon"`
	Alt    *float64  `json:"alt"`
	AltHAE *float64  `json:"altHAE"`
	Track  *float64  `json:"track"`
	Speed  *float64  `json:"speed"`
	EPH    *float64  `json:"eph"`
	EPX    *float64  `json:"epx"`
	EPY    *float64  `json:"epy"`
}

// GPSD streams fixes from a gpsd daemon.
type GPSD struct {
	Addr        string
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Run connects, enables JSON watch mode and calls update for every 2D or 3D
// TPV report until ctx is cancelled or the connection fails.
func (g *GPSD) Run(ctx context.Context, update func(Fix)) error {
	addr := g.Addr
	if addr == "" {
		addr = DefaultGPSDAddr
	}
	timeout := g.DialTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("gps: dial gpsd: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if _, err := conn.Write([]byte(`?WATCH={"enable":true,"json":true}` + "\n")); err != nil {
		return fmt.Errorf("gps: watch: %w", err)
	}
	logger.Info("gps: gpsd connected", "addr", addr)

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), 64*1024)
	for sc.Scan() {
		f, ok := ParseTPV(sc.Bytes())
		if ok {
			update(f)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("gps: read gpsd: %w", err)
	}
	return fmt.Errorf("gps: gpsd closed the connection")
}

// ParseTPV decodes one gpsd JSON line. ok is false for other report classes
// and for TPV reports without a position.
func ParseTPV(line []byte) (Fix, bool) {
	var r tpv
	if err := json.Unmarshal(line, &r); err != nil || r.Class != "TPV" {
		return Fix{}, false
	}
	if r.Mode < 2 || r.Lat == nil || r.Lon == nil {
		return Fix{}, false
	}
	f := Fix{
		Lat:      *r.Lat,
		Lon:      *r.Lon,
		Provider: "gpsd",
		Time:     r.Time,
	}
	if r.Device != "" {
		f.Provider = "gpsd:" + r.Device
	}
	switch {
	case r.AltHAE != nil:
		f.Altitude = *r.AltHAE
	case r.Alt != nil:
		f.Altitude = *r.Alt
	}
	if r.Track != nil {
		f.Bearing = *r.Track
	}
	if r.Speed != nil {
		f.Speed = *r.Speed
	}
	switch {
	case r.EPH != nil:
		f.Accuracy = *r.EPH
	case r.EPX != nil && r.EPY != nil:
		f.Accuracy = max(*r.EPX, *r.EPY)
	}
	return f, true
}
