package status

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/transfer-switch/internal/logic"
)

func ptr(v float64) *float64 { return &v }

func TestNewTracker(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{Transport: "dbus", SwitchIntervalMs: 1000, Broker: "tcp://localhost:1883", HTTPPort: ":80"}
	tr := NewTracker(start, cfg)

	snap := tr.Snapshot()
	if !snap.StartTime.Equal(start) {
		t.Errorf("StartTime: got %v, want %v", snap.StartTime, start)
	}
	if snap.Config.SwitchIntervalMs != 1000 {
		t.Errorf("Config.SwitchIntervalMs: got %d, want 1000", snap.Config.SwitchIntervalMs)
	}
	if snap.Switch.State != logic.StateUnbound {
		t.Errorf("expected UNBOUND initially, got %s", snap.Switch.State)
	}
	if snap.Generator.Mode != logic.AutoUnknown {
		t.Errorf("expected UNKNOWN auto mode initially, got %s", snap.Generator.Mode)
	}
	if snap.MQTTConnected {
		t.Error("expected MQTTConnected=false initially")
	}
}

func TestUpdateAndSnapshot(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})

	tr.UpdateSwitch(
		SwitchInfo{State: logic.StateBoundGenerator, Service: "com.victronenergy.digitalinput.4", Applied: logic.SourceGenerator, Counts: logic.Counts{ToGenerator: 2, ToGrid: 1}},
		InverterInfo{Service: "com.victronenergy.vebus.276", Model: "Multi", AcInputs: 1, Location: 1, Healthy: true, RemoteGeneratorSelected: 1},
	)
	tr.UpdateGenerator(GeneratorInfo{Mode: logic.AutoEnabled, DeratedAmps: ptr(40.6)})

	snap := tr.Snapshot()
	if snap.Switch.State != logic.StateBoundGenerator || snap.Switch.Counts.ToGenerator != 2 {
		t.Errorf("unexpected switch: %+v", snap.Switch)
	}
	if snap.Inverter.Model != "Multi" || !snap.Inverter.Healthy {
		t.Errorf("unexpected inverter: %+v", snap.Inverter)
	}
	if snap.Generator.Mode != logic.AutoEnabled || *snap.Generator.DeratedAmps != 40.6 {
		t.Errorf("unexpected generator: %+v", snap.Generator)
	}
}

func TestSetMQTTConnected(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	tr.SetMQTTConnected(true)
	if !tr.Snapshot().MQTTConnected {
		t.Error("expected MQTTConnected=true")
	}
	tr.SetMQTTConnected(false)
	if tr.Snapshot().MQTTConnected {
		t.Error("expected MQTTConnected=false")
	}
}

func TestSnapshotUptime(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := Snapshot{StartTime: start, Now: start.Add(90 * time.Minute)}
	if snap.Uptime() != 90*time.Minute {
		t.Errorf("Uptime: got %v, want 90m", snap.Uptime())
	}
}

func TestSnapshotNowIsSet(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	before := time.Now()
	snap := tr.Snapshot()
	if snap.Now.Before(before) {
		t.Error("Now should be set at Snapshot time")
	}
}

func TestFormatJSON(t *testing.T) {
	start := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	snap := Snapshot{
		Switch:    SwitchInfo{State: logic.StateBoundGrid, Service: "com.victronenergy.digitalinput.4", Applied: logic.SourceGrid, Counts: logic.Counts{ToGrid: 3}},
		Inverter:  InverterInfo{Service: "com.victronenergy.vebus.276", Model: "Quattro", AcInputs: 2, Location: 2, Healthy: true},
		Generator: GeneratorInfo{Mode: logic.AutoEnabled, OutdoorTempF: ptr(95.04), Multiplier: ptr(0.81234), DeratedAmps: ptr(40.6123)},
		StartTime: start,
		Now:       start.Add(125 * time.Second),
		Config:    Config{Transport: "dbus", Broker: "tcp://broker:1883"},
	}

	var parsed StatusJSON
	if err := json.Unmarshal(FormatJSON(snap), &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	s := parsed.Status
	if s.Switch.State != "BOUND_GRID" || s.Switch.Applied != "GRID" || s.Switch.Counts.ToGrid != 3 {
		t.Errorf("unexpected switch: %+v", s.Switch)
	}
	if s.Inverter.Model != "Quattro" || s.Inverter.Location != 2 {
		t.Errorf("unexpected inverter: %+v", s.Inverter)
	}
	if s.Generator.Mode != "ENABLED" {
		t.Errorf("unexpected auto current: %s", s.Generator.Mode)
	}
	if *s.Generator.OutdoorTempF != 95.0 || *s.Generator.DeratedAmps != 40.6 || *s.Generator.Multiplier != 0.812 {
		t.Errorf("readings should be rounded: %+v", s.Generator)
	}
	if s.Generator.AltitudeFt != nil {
		t.Error("unknown altitude should be omitted")
	}
	if s.UptimeSeconds != 125 {
		t.Errorf("UptimeSeconds: got %d, want 125", s.UptimeSeconds)
	}
	if s.MQTT.Broker != "tcp://broker:1883" {
		t.Errorf("MQTT.Broker: got %q", s.MQTT.Broker)
	}
	if s.Event != "" || s.Reason != "" {
		t.Error("web JSON should not carry event or reason")
	}
}

func TestFormatJSONUnknownState(t *testing.T) {
	data := FormatJSON(Snapshot{})
	for _, want := range []string{`"state": "UNKNOWN"`, `"auto_current": "UNKNOWN"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("missing %s in %s", want, data)
		}
	}
}

func TestFormatStatusEvent(t *testing.T) {
	snap := Snapshot{
		Switch:    SwitchInfo{State: logic.StateBoundGenerator},
		StartTime: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
		Now:       time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
	}

	data := FormatStatusEvent(snap, "SHUTDOWN", "SIGTERM")
	if strings.Contains(string(data), "\n") {
		t.Error("event payload should be compact")
	}
	var parsed StatusJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.Status.Event != "SHUTDOWN" || parsed.Status.Reason != "SIGTERM" {
		t.Errorf("unexpected event/reason: %q %q", parsed.Status.Event, parsed.Status.Reason)
	}
	if parsed.Status.Switch.State != "BOUND_GENERATOR" {
		t.Errorf("unexpected state: %s", parsed.Status.Switch.State)
	}
}

func TestFormatStatusEventOmitsReasonWhenEmpty(t *testing.T) {
	data := FormatStatusEvent(Snapshot{}, "HEARTBEAT", "")
	if strings.Contains(string(data), `"reason"`) {
		t.Errorf("reason should be omitted: %s", data)
	}
}

func TestConcurrentAccess(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			tr.UpdateSwitch(SwitchInfo{Counts: logic.Counts{ToGrid: i}}, InverterInfo{AcInputs: 1})
			tr.UpdateGenerator(GeneratorInfo{DeratedAmps: ptr(float64(i))})
			tr.SetMQTTConnected(i%2 == 0)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			snap := tr.Snapshot()
			_ = snap.Uptime()
		}
	}()

	wg.Wait()
}
