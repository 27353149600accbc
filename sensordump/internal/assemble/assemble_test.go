package assemble

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/sensordump/dbopen"
	"github.com/hazyhaar/sensordump/sensordump/internal/devsensor"
	"github.com/hazyhaar/sensordump/sensordump/internal/document"
	"github.com/hazyhaar/sensordump/sensordump/internal/gps"
	"github.com/hazyhaar/sensordump/sensordump/internal/queue"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type observer struct {
	mu               sync.Mutex
	docs, gps, audio int
}

func (o *observer) DocumentStored(g, a bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.docs++
	if g {
		o.gps++
	}
	if a {
		o.audio++
	}
}

type fixedMerger struct {
	fields   map[string]float64
	err      error
	unmerged int
}

func (m *fixedMerger) Unmerge() { m.unmerged++ }

func (m *fixedMerger) Merge(doc document.Document) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	for k, v := range m.fields {
		if err := doc.PutNumber(k, v); err != nil {
			return false, err
		}
	}
	return true, nil
}

// flakyStore fails the next fail enqueues.
type flakyStore struct {
	*queue.Queue
	fail int
}

func (s *flakyStore) Enqueue(ctx context.Context, doc document.Document) (queue.Record, error) {
	if s.fail > 0 {
		s.fail--
		return queue.Record{}, errors.New("disk full")
	}
	return s.Queue.Enqueue(ctx, doc)
}

func setup(t *testing.T, opts Options) (*Assembler, *queue.Queue, *clock, *observer) {
	t.Helper()
	q := queue.New(dbopen.OpenMemory(t, dbopen.WithSchema(queue.Schema)), queue.Options{})
	c := &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	o := &observer{}
	opts.Now = c.now
	opts.Observer = o
	a := New(q, opts)
	return a, q, c, o
}

func event(typ string, values ...float64) devsensor.Event {
	return devsensor.Event{Sensor: devsensor.Sensor{Type: typ}, Values: values}
}

func stored(t *testing.T, q *queue.Queue) []map[string]any {
	t.Helper()
	b, err := q.DequeueBatch(context.Background(), 500)
	if err != nil {
		t.Fatal(err)
	}
	var out []map[string]any
	for _, r := range b.Records {
		var m map[string]any
		if err := json.Unmarshal(r.JSON, &m); err != nil {
			t.Fatal(err)
		}
		out = append(out, m)
	}
	return out
}

func TestClampInterval(t *testing.T) {
	cases := map[time.Duration]time.Duration{
		0:                      MinInterval,
		10 * time.Millisecond:  MinInterval,
		49 * time.Millisecond:  MinInterval,
		50 * time.Millisecond:  50 * time.Millisecond,
		999 * time.Millisecond: 999 * time.Millisecond,
	}
	for in, want := range cases {
		if got := ClampInterval(in); got != want {
			t.Errorf("ClampInterval(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestSetInterval_Floor(t *testing.T) {
	a, q, c, _ := setup(t, Options{})
	ctx := context.Background()
	if got := a.SetInterval(10 * time.Millisecond); got != MinInterval {
		t.Fatalf("SetInterval(10ms) = %v, want 50ms", got)
	}
	a.Arm(c.now())

	c.advance(40 * time.Millisecond)
	if ok, _ := a.HandleEvent(ctx, event("x.accel", 1)); ok {
		t.Fatal("document emitted before 50ms")
	}
	c.advance(11 * time.Millisecond)
	if ok, err := a.HandleEvent(ctx, event("x.accel", 1)); !ok || err != nil {
		t.Fatalf("document not emitted at 51ms: %v", err)
	}
	c.advance(10 * time.Millisecond)
	if ok, _ := a.HandleEvent(ctx, event("x.accel", 1)); ok {
		t.Fatal("two documents within 50ms")
	}
	if n, _ := q.Count(ctx); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestHandleEvent_Disarmed(t *testing.T) {
	a, q, c, _ := setup(t, Options{})
	c.advance(time.Second)
	if ok, err := a.HandleEvent(context.Background(), event("x.accel", 1)); ok || err != nil {
		t.Fatalf("disarmed assembler stored a document: %v %v", ok, err)
	}
	if n, _ := q.Count(context.Background()); n != 0 {
		t.Fatal("row written while disarmed")
	}
}

func TestHandleEvent_Document(t *testing.T) {
	a, q, c, o := setup(t, Options{Battery: func() (float64, bool) { return 87, true }})
	ctx := context.Background()
	a.Arm(c.now())

	p := gps.NewProducer()
	if err := a.SetGPS(p); err != nil {
		t.Fatal(err)
	}
	if err := a.SetAudio(&fixedMerger{fields: map[string]float64{"frequency": 440, "amplitude": 12.5}}); err != nil {
		t.Fatal(err)
	}
	p.Update(gps.Fix{Lat: 10, Lon: 20, Provider: "gpsd"})

	c.advance(2500 * time.Millisecond)
	ok, err := a.HandleEvent(ctx, event("android.sensor.accelerometer", math.NaN(), 9.81, math.Inf(1)))
	if !ok || err != nil {
		t.Fatalf("HandleEvent: %v %v", ok, err)
	}

	docs := stored(t, q)
	if len(docs) != 1 {
		t.Fatalf("stored %d docs", len(docs))
	}
	d := docs[0]
	if d["@timestamp"] != "2024-06-01T12:00:02.500+0000" || d["start_time"] != "2024-06-01T12:00:00.000+0000" {
		t.Fatalf("timestamps: %v %v", d["@timestamp"], d["start_time"])
	}
	if d["log_duration_seconds"] != float64(2) {
		t.Fatalf("log_duration_seconds = %v", d["log_duration_seconds"])
	}
	if d["accelerometer"] != 9.81 {
		t.Fatalf("accelerometer = %v", d["accelerometer"])
	}
	if d["battery_percentage"] != float64(87) || d["location"] != "10,20" || d["frequency"] != float64(440) {
		t.Fatalf("doc = %v", d)
	}
	if o.docs != 1 || o.gps != 1 || o.audio != 1 {
		t.Fatalf("observer: %+v", o)
	}

	// GPS reading is consumed once.
	c.advance(time.Second)
	a.HandleEvent(ctx, event("x.light", 5))
	if o.docs != 2 || o.gps != 1 {
		t.Fatalf("observer after second doc: %+v", o)
	}
	if _, has := stored(t, q)[1]["location"]; has {
		t.Fatal("stale gps merged twice")
	}
}

func TestHandleEvent_NoBatteryWhenZero(t *testing.T) {
	a, q, c, _ := setup(t, Options{Battery: func() (float64, bool) { return 0, true }})
	a.Arm(c.now())
	c.advance(time.Second)
	a.HandleEvent(context.Background(), event("x.accel", 1))
	if _, has := stored(t, q)[0]["battery_percentage"]; has {
		t.Fatal("battery_percentage written for level 0")
	}
}

func TestHandleEvent_DropKeepsSlot(t *testing.T) {
	a, q, c, o := setup(t, Options{})
	ctx := context.Background()
	a.Arm(c.now())
	bad := &fixedMerger{fields: map[string]float64{"altitude": math.NaN()}}
	a.SetGPS(bad)

	c.advance(300 * time.Millisecond)
	ok, err := a.HandleEvent(ctx, event("x.accel", 1))
	if ok || !errors.Is(err, document.ErrInvalidNumber) {
		t.Fatalf("got %v %v, want ErrInvalidNumber", ok, err)
	}

	// The failed attempt did not consume the interval.
	a.SetGPS(nil)
	if ok, err := a.HandleEvent(ctx, event("x.accel", 1)); !ok || err != nil {
		t.Fatalf("retry at the same instant: %v %v", ok, err)
	}
	if n, _ := q.Count(ctx); n != 1 || o.docs != 1 {
		t.Fatalf("count=%d docs=%d", n, o.docs)
	}
}

func TestHandleEvent_StoreFailureKeepsReadings(t *testing.T) {
	_, q, c, o := setup(t, Options{})
	store := &flakyStore{Queue: q, fail: 1}
	a := New(store, Options{Now: c.now, Observer: o})
	ctx := context.Background()
	a.Arm(c.now())

	p := gps.NewProducer()
	a.SetGPS(p)
	sound := &fixedMerger{fields: map[string]float64{"frequency": 440}}
	a.SetAudio(sound)
	p.Update(gps.Fix{Lat: 10, Lon: 20, Provider: "gpsd"})

	c.advance(time.Second)
	if ok, err := a.HandleEvent(ctx, event("x.accel", 1)); ok || err == nil {
		t.Fatalf("got %v %v, want a store error", ok, err)
	}
	if sound.unmerged != 1 {
		t.Fatalf("audio unmerged %d times, want 1", sound.unmerged)
	}

	if ok, err := a.HandleEvent(ctx, event("x.accel", 2)); !ok || err != nil {
		t.Fatalf("retry: %v %v", ok, err)
	}
	docs := stored(t, q)
	if len(docs) != 1 || docs[0]["location"] != "10,20" {
		t.Fatalf("docs = %v, want the fix carried by the retry", docs)
	}
	if o.gps != 1 {
		t.Fatalf("gps readings = %d, want 1", o.gps)
	}
}

func TestHandleEvent_AudioFailureKeepsGPS(t *testing.T) {
	a, q, c, _ := setup(t, Options{})
	ctx := context.Background()
	a.Arm(c.now())

	p := gps.NewProducer()
	a.SetGPS(p)
	a.SetAudio(&fixedMerger{fields: map[string]float64{"amplitude": math.Inf(1)}})
	p.Update(gps.Fix{Lat: 1, Lon: 2, Provider: "gpsd"})

	c.advance(time.Second)
	if _, err := a.HandleEvent(ctx, event("x.accel", 1)); !errors.Is(err, document.ErrInvalidNumber) {
		t.Fatalf("err = %v, want ErrInvalidNumber", err)
	}
	a.SetAudio(nil)
	if ok, err := a.HandleEvent(ctx, event("x.accel", 1)); !ok || err != nil {
		t.Fatalf("retry: %v %v", ok, err)
	}
	if got := stored(t, q)[0]["location"]; got != "1,2" {
		t.Fatalf("location = %v, want 1,2", got)
	}
}

func TestAttach_RequiresArmed(t *testing.T) {
	a, _, c, _ := setup(t, Options{})
	if err := a.SetGPS(gps.NewProducer()); !errors.Is(err, ErrNotArmed) {
		t.Fatalf("SetGPS disarmed: %v", err)
	}
	if err := a.SetAudio(&fixedMerger{}); !errors.Is(err, ErrNotArmed) {
		t.Fatalf("SetAudio disarmed: %v", err)
	}
	if err := a.SetGPS(nil); err != nil {
		t.Fatalf("detach must always work: %v", err)
	}

	a.Arm(c.now())
	if err := a.SetGPS(gps.NewProducer()); err != nil {
		t.Fatal(err)
	}
	a.Disarm()
	a.mu.Lock()
	attached := a.gps != nil || a.audio != nil
	a.mu.Unlock()
	if attached {
		t.Fatal("Disarm must detach producers")
	}
}

func TestTap(t *testing.T) {
	var got []string
	a, _, c, _ := setup(t, Options{})
	a.SetTap(func(r queue.Record) { got = append(got, string(r.JSON)) })
	a.Arm(c.now())
	c.advance(time.Second)
	a.HandleEvent(context.Background(), event("x.accel", 3))
	if len(got) != 1 || got[0] == "" {
		t.Fatalf("tap got %v", got)
	}
}

func TestRun(t *testing.T) {
	q := queue.New(dbopen.OpenMemory(t, dbopen.WithSchema(queue.Schema)), queue.Options{})
	a := New(q, Options{Interval: MinInterval})
	a.Arm(time.Now().Add(-time.Second))

	events := make(chan devsensor.Event)
	done := make(chan struct{})
	go func() { a.Run(context.Background(), events); close(done) }()

	events <- event("x.accel", 1)
	close(events)
	<-done
	if n, _ := q.Count(context.Background()); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}
