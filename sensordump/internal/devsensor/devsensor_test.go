package devsensor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

// fakeSys builds a sysfs tree with one accelerometer, one light sensor, one
// thermal zone and a battery.
func fakeSys(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	dev := filepath.Join(root, "bus", "iio", "devices", "iio:device0")
	writeFile(t, filepath.Join(dev, "in_accel_x_raw"), "100")
	writeFile(t, filepath.Join(dev, "in_accel_y_raw"), "-50")
	writeFile(t, filepath.Join(dev, "in_accel_scale"), "0.01")
	writeFile(t, filepath.Join(dev, "in_accel_y_offset"), "10")
	writeFile(t, filepath.Join(dev, "in_illuminance_input"), "321.5")

	mon := filepath.Join(root, "class", "hwmon", "hwmon0")
	writeFile(t, filepath.Join(mon, "name"), "cpu_thermal")
	writeFile(t, filepath.Join(mon, "temp1_input"), "45500")

	writeFile(t, filepath.Join(root, "class", "power_supply", "AC", "type"), "Mains")
	writeFile(t, filepath.Join(root, "class", "power_supply", "BAT0", "type"), "Battery")
	writeFile(t, filepath.Join(root, "class", "power_supply", "BAT0", "capacity"), "87")
	return root
}

func TestLeafName(t *testing.T) {
	cases := map[string]string{
		"android.sensor.accelerometer": "accelerometer",
		"linux.iio.accel_x":            "accel_x",
		"plain":                        "plain",
		"trailing.":                    "trailing.",
		"":                             "",
	}
	for in, want := range cases {
		if got := LeafName(in); got != want {
			t.Errorf("LeafName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUsable(t *testing.T) {
	in := []Sensor{
		{Type: "a.accel", Mode: Continuous},
		{Type: "a.significant_motion", Mode: OneShot},
		{Type: "a.light", Mode: OnChange},
	}
	out := Usable(in)
	if len(out) != 2 || out[0].Type != "a.accel" || out[1].Type != "a.light" {
		t.Fatalf("got %+v", out)
	}
}

func TestSysfs_Sensors(t *testing.T) {
	s := &Sysfs{Root: fakeSys(t)}
	sensors, err := s.Sensors()
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]float64{
		"linux.iio.accel_x":             1.0,
		"linux.iio.accel_y":             -0.4,
		"linux.iio.illuminance":         321.5,
		"linux.hwmon.cpu_thermal_temp1": 45.5,
	}
	if len(sensors) != len(want) {
		t.Fatalf("sensors = %d, want %d", len(sensors), len(want))
	}
	for _, sn := range sensors {
		w, ok := want[sn.Type]
		if !ok {
			t.Errorf("unexpected sensor %s", sn.Type)
			continue
		}
		v, err := sn.read()
		if err != nil {
			t.Fatal(err)
		}
		if d := v - w; d > 1e-9 || d < -1e-9 {
			t.Errorf("%s = %v, want %v", sn.Type, v, w)
		}
	}
}

func TestSysfs_Empty(t *testing.T) {
	sensors, err := (&Sysfs{Root: t.TempDir()}).Sensors()
	if err != nil || len(sensors) != 0 {
		t.Fatalf("got %v, %v", sensors, err)
	}
	if err := (&Sysfs{}).Subscribe(context.Background(), nil, make(chan Event)); err == nil {
		t.Fatal("expected error subscribing to nothing")
	}
}

func TestSysfs_Subscribe(t *testing.T) {
	s := &Sysfs{Root: fakeSys(t), Interval: 5 * time.Millisecond}
	sensors, _ := s.Sensors()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan Event, 16)
	if err := s.Subscribe(ctx, sensors, out); err != nil {
		t.Fatal(err)
	}

	got := map[string]int{}
	deadline := time.After(2 * time.Second)
	for got["linux.iio.accel_x"] < 3 {
		select {
		case ev := <-out:
			got[ev.Sensor.Type]++
			if len(ev.Values) != 1 || ev.Time.IsZero() {
				t.Fatalf("bad event %+v", ev)
			}
		case <-deadline:
			t.Fatalf("events: %v", got)
		}
	}
	// illuminance is on-change and its file never changes.
	if got["linux.iio.illuminance"] > 1 {
		t.Fatalf("on-change sensor emitted %d times", got["linux.iio.illuminance"])
	}
}

func TestBattery(t *testing.T) {
	v, ok := Battery(fakeSys(t))
	if !ok || v != 87 {
		t.Fatalf("battery = %v, %v", v, ok)
	}
	if _, ok := Battery(t.TempDir()); ok {
		t.Fatal("battery found in empty tree")
	}
}

func TestBatteryGauge(t *testing.T) {
	g := &BatteryGauge{Root: t.TempDir()}
	g.Refresh()
	if _, ok := g.Level(); ok {
		t.Fatal("level known without a battery")
	}
	g.Root = fakeSys(t)
	g.Refresh()
	if v, ok := g.Level(); !ok || v != 87 {
		t.Fatalf("level = %v, %v", v, ok)
	}
}
