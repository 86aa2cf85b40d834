package internal

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/transfer-switch/internal/autocurrent"
	"github.com/sweeney/transfer-switch/internal/bus"
	"github.com/sweeney/transfer-switch/internal/inverter"
	"github.com/sweeney/transfer-switch/internal/logic"
	"github.com/sweeney/transfer-switch/internal/mqtt"
	"github.com/sweeney/transfer-switch/internal/sensor"
	"github.com/sweeney/transfer-switch/internal/settings"
	"github.com/sweeney/transfer-switch/internal/transfer"
)

const (
	quattro     = "com.victronenergy.vebus.261"
	switchInput = "com.victronenergy.digitalinput.3"
)

var startTime = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type rig struct {
	bus   *bus.FakeBus
	store *settings.FileStore
	path  string
	coord *transfer.Coordinator
	pub   *mqtt.FakePublisher
	tick  int
}

// newRig builds a Quattro whose transfer switch feeds AC2, normally a shore
// input, with the profile settings kept in a YAML file.
func newRig(t *testing.T, debounce time.Duration, code int) *rig {
	t.Helper()
	ctx := context.Background()

	b := bus.NewFakeBus()
	b.Set(bus.ServiceSystem, inverter.PathVebusService, quattro)
	b.Set(quattro, inverter.PathNumberOfAcInputs, 2)
	b.Set(quattro, inverter.PathCurrentLimit, 32.0)
	b.Set(quattro, inverter.PathCurrentLimitAdjustable, 1)
	b.Set(quattro, inverter.PathRemoteGeneratorSelected, 0)
	b.Set(bus.ServiceSettings, inverter.PathAcInput1Type, logic.InputTypeGrid)
	b.Set(bus.ServiceSettings, inverter.PathAcInput2Type, logic.InputTypeShore)
	b.Set(switchInput, sensor.PathCustomName, "ATS Transfer switch")
	b.Set(switchInput, transfer.PathState, code)

	path := filepath.Join(t.TempDir(), "settings.yaml")
	logger := zap.NewNop()
	store, err := settings.NewFileStore(path, logger)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Set(ctx, settings.GeneratorCurrentLimit, 20); err != nil {
		t.Fatal(err)
	}
	if err := store.Set(ctx, settings.TransferSwitchOnAc2, 1); err != nil {
		t.Fatal(err)
	}

	cfg := transfer.DefaultConfig()
	cfg.Debounce = debounce
	inv := inverter.New(b, store, logger)
	coord := transfer.New(b, sensor.NewRegistry(b, logger), inv, store, cfg, logger)

	return &rig{bus: b, store: store, path: path, coord: coord, pub: mqtt.NewFakePublisher()}
}

// run simulates the one-second switch loop for n ticks.
func (r *rig) run(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		now := startTime.Add(time.Duration(r.tick) * time.Second)
		for _, e := range r.coord.Tick(context.Background(), now) {
			if err := r.pub.Publish(e); err != nil {
				t.Fatalf("tick %d: publish error: %v", r.tick, err)
			}
		}
		r.tick++
	}
}

func (r *rig) setCode(code int) {
	r.bus.Set(switchInput, transfer.PathState, code)
}

func TestIntegrationQuattroDebouncedRoundTrip(t *testing.T) {
	r := newRig(t, 3*time.Second, logic.CodeGrid)

	// Bind and settle the grid baseline.
	r.run(t, 4)
	if r.coord.State() != logic.StateBoundGrid || r.coord.Applied() != logic.SourceGrid {
		t.Fatalf("expected grid baseline, got %s / %q", r.coord.State(), r.coord.Applied())
	}
	if r.coord.Inverter().Location() != 2 {
		t.Fatalf("switch should be on AC2, got %d", r.coord.Inverter().Location())
	}

	// Generator for four ticks: the swap lands once the debounce has passed.
	r.setCode(logic.CodeGenerator)
	r.run(t, 3)
	if r.coord.Counts().ToGenerator != 0 {
		t.Fatal("swapped before the debounce elapsed")
	}
	r.run(t, 1)
	if r.coord.Counts().ToGenerator != 1 {
		t.Fatal("expected the generator profile after the debounce")
	}

	if v, _ := r.bus.Get(bus.ServiceSettings, inverter.PathAcInput2Type); v != logic.InputTypeGenerator {
		t.Errorf("AC2 type = %v, want generator", v)
	}
	if v, _ := r.bus.Get(bus.ServiceSettings, inverter.PathAcInput1Type); v != logic.InputTypeGrid {
		t.Errorf("AC1 must not change, got %v", v)
	}
	if v, _ := r.bus.Get(quattro, inverter.PathCurrentLimit); v != 20.0 {
		t.Errorf("limit = %v, want generator limit 20", v)
	}

	// The grid profile survives a restart.
	reopened, err := settings.NewFileStore(r.path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	profile, err := settings.LoadProfile(context.Background(), reopened)
	if err != nil {
		t.Fatal(err)
	}
	if profile.GridInputType != logic.InputTypeShore || profile.GridCurrentLimit != 32 {
		t.Errorf("persisted grid profile = %+v", profile)
	}

	// A one-tick bounce back to grid is ignored.
	r.setCode(logic.CodeGrid)
	r.run(t, 1)
	r.setCode(logic.CodeGenerator)
	r.run(t, 5)
	if r.coord.Counts().ToGrid != 0 {
		t.Fatal("bounce should not swap")
	}

	r.setCode(logic.CodeGrid)
	r.run(t, 4)
	if r.coord.Counts() != (logic.Counts{ToGrid: 1, ToGenerator: 1}) {
		t.Fatalf("unexpected counts: %+v", r.coord.Counts())
	}
	if v, _ := r.bus.Get(bus.ServiceSettings, inverter.PathAcInput2Type); v != logic.InputTypeShore {
		t.Errorf("AC2 type = %v, want shore restored", v)
	}
	if v, _ := r.bus.Get(quattro, inverter.PathCurrentLimit); v != 32.0 {
		t.Errorf("limit = %v, want grid limit 32", v)
	}
	if v, _ := r.store.Get(context.Background(), settings.GeneratorCurrentLimit); v != 20 {
		t.Errorf("generator limit saved on the way out = %v, want 20", v)
	}

	want := []logic.EventType{logic.EventSwitchBound, logic.EventToGenerator, logic.EventToGrid}
	got := r.pub.EventTypes()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}

	var p mqtt.Payload
	if err := json.Unmarshal(r.pub.Payloads[1], &p); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	if p.TransferSwitch.Event != "TO_GENERATOR" || p.TransferSwitch.Source != "GENERATOR" || p.TransferSwitch.Service != switchInput {
		t.Errorf("unexpected payload: %+v", p.TransferSwitch)
	}
	if p.TransferSwitch.Timestamp != "2026-01-01T12:00:07Z" {
		t.Errorf("swap timestamp = %s, want 12:00:07", p.TransferSwitch.Timestamp)
	}
}

func TestIntegrationSwitchLostAndRebound(t *testing.T) {
	r := newRig(t, 0, logic.CodeGenerator)

	r.run(t, 1)
	if !r.coord.OnGenerator() {
		t.Fatal("expected generator baseline")
	}

	r.bus.Set(switchInput, sensor.PathCustomName, "Spare")
	r.run(t, 1)
	if r.coord.Bound() {
		t.Fatal("renamed input should be released")
	}
	r.bus.Set(switchInput, sensor.PathCustomName, "ATS Transfer switch")

	r.run(t, 9)
	if r.coord.Bound() {
		t.Fatal("search should wait for the throttle")
	}
	r.run(t, 1)
	if !r.coord.Bound() || r.coord.State() != logic.StateBoundGenerator {
		t.Fatalf("expected rebinding on generator, got %s", r.coord.State())
	}

	got := r.pub.EventTypes()
	want := []logic.EventType{logic.EventSwitchBound, logic.EventSwitchLost, logic.EventSwitchBound}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}

	writes := r.bus.WritesTo(quattro, inverter.PathRemoteGeneratorSelected)
	if len(writes) != 3 || writes[0] != 1 || writes[1] != 0 || writes[2] != 1 {
		t.Errorf("RemoteGeneratorSelected writes = %v, want [1 0 1]", writes)
	}
	if len(r.bus.WritesTo(quattro, inverter.PathCurrentLimit)) != 0 {
		t.Error("rebinding to the applied source must not swap profiles")
	}
}

func TestIntegrationMonitorWaitsForDebouncedSwap(t *testing.T) {
	r := newRig(t, 3*time.Second, logic.CodeGrid)
	ctx := context.Background()

	monCfg := autocurrent.DefaultConfig()
	monCfg.OutdoorRetries = 0
	mon := autocurrent.New(r.bus, sensor.NewRegistry(r.bus, zap.NewNop()), r.store,
		r.coord.Inverter(), r.coord, monCfg, zap.NewNop())
	mon.Discover(ctx)
	monitorTick := func() []logic.Event {
		now := startTime.Add(time.Duration(r.tick) * time.Second)
		return mon.Tick(ctx, now)
	}

	r.run(t, 4)
	if events := monitorTick(); len(events) != 0 {
		t.Fatalf("no limit sync expected on grid, got %v", events)
	}

	// The switch has moved but the generator profile is not applied yet.
	r.setCode(logic.CodeGenerator)
	r.run(t, 1)
	if r.coord.OnGenerator() {
		t.Fatal("generator must not count as applied during the debounce")
	}
	if events := monitorTick(); len(events) != 0 {
		t.Fatalf("monitor wrote during the debounce: %v", events)
	}
	if writes := r.bus.WritesTo(quattro, inverter.PathCurrentLimit); len(writes) != 0 {
		t.Fatalf("AC limit written before the swap: %v", writes)
	}
	if got := r.bus.WritesTo(quattro, inverter.PathRemoteGeneratorSelected); len(got) != 1 || got[0] != 0 {
		t.Errorf("RemoteGeneratorSelected during debounce = %v, want [0]", got)
	}

	r.run(t, 3)
	if r.coord.Counts().ToGenerator != 1 {
		t.Fatal("expected the generator profile after the debounce")
	}
	if v, _ := r.store.Get(ctx, settings.GridCurrentLimit); v != 32 {
		t.Errorf("GridCurrentLimit = %v, want the grid AC limit 32", v)
	}
	if v, _ := r.store.Get(ctx, settings.GeneratorCurrentLimit); v != 20 {
		t.Errorf("GeneratorCurrentLimit = %v, want 20", v)
	}

	events := monitorTick()
	if len(events) != 1 || events[0].Type != logic.EventGeneratorToAC || events[0].Value != 20 {
		t.Fatalf("expected GENERATOR_TO_AC 20 after the swap, got %+v", events)
	}

	// Back to grid restores the captured grid limit.
	r.setCode(logic.CodeGrid)
	r.run(t, 4)
	if v, _ := r.bus.Get(quattro, inverter.PathCurrentLimit); v != 32.0 {
		t.Errorf("limit on grid = %v, want 32", v)
	}
}
