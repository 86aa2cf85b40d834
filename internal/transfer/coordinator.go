// Package transfer follows the external transfer switch and swaps the
// inverter's AC input profile between grid and generator.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/transfer-switch/internal/bus"
	"github.com/sweeney/transfer-switch/internal/inverter"
	"github.com/sweeney/transfer-switch/internal/logic"
	"github.com/sweeney/transfer-switch/internal/sensor"
	"github.com/sweeney/transfer-switch/internal/settings"
)

// PathState is the digital input state path.
const PathState = "/State"

// Config holds coordinator options.
type Config struct {
	// Label is the case-insensitive substring the switch input's custom
	// name must contain.
	Label string

	// SearchEvery is the number of unbound ticks between discovery scans.
	SearchEvery int

	// Debounce is how long a new switch position must persist before the
	// profile is swapped. Zero swaps on the next read.
	Debounce time.Duration
}

// DefaultConfig returns the standard options.
func DefaultConfig() Config {
	return Config{
		Label:       "transfer switch",
		SearchEvery: 10,
	}
}

// Binding is the digital input currently followed.
type Binding struct {
	Service   string
	Label     string
	LastKnown logic.PowerSource
}

// Coordinator owns the switch binding and the profile swap.
// Not safe for concurrent use; Tick runs on the scheduler goroutine.
type Coordinator struct {
	bus      bus.Bus
	registry *sensor.Registry
	inverter *inverter.Inverter
	store    settings.Store
	detector *logic.SourceDetector
	logger   *zap.Logger
	cfg      Config

	bound           bool
	binding         Binding
	searchDelay     int
	firstSearchDone bool
}

// New creates an unbound Coordinator.
func New(b bus.Bus, registry *sensor.Registry, inv *inverter.Inverter, store settings.Store, cfg Config, logger *zap.Logger) *Coordinator {
	if cfg.Label == "" {
		cfg.Label = DefaultConfig().Label
	}
	if cfg.SearchEvery <= 0 {
		cfg.SearchEvery = DefaultConfig().SearchEvery
	}
	return &Coordinator{
		bus:         b,
		registry:    registry,
		inverter:    inv,
		store:       store,
		detector:    logic.NewSourceDetector(cfg.Debounce),
		logger:      logger,
		cfg:         cfg,
		searchDelay: 99, // search on the first tick
	}
}

// Bound reports whether a switch input is bound.
func (c *Coordinator) Bound() bool { return c.bound }

// Binding returns the current binding. Only meaningful while Bound.
func (c *Coordinator) Binding() Binding { return c.binding }

// OnGenerator reports whether the switch is bound and the generator profile
// is the one applied. A new switch position counts only once it has
// survived the debounce and the profile swap has run.
func (c *Coordinator) OnGenerator() bool {
	return c.bound && c.detector.Applied() == logic.SourceGenerator
}

// State returns the state machine state.
func (c *Coordinator) State() logic.SwitchState {
	return logic.StateFor(c.bound, c.binding.LastKnown)
}

// Counts returns the profile swaps since startup.
func (c *Coordinator) Counts() logic.Counts {
	return c.detector.CountsSnapshot()
}

// Applied returns the source whose profile was last applied, or "" before
// the first bound read.
func (c *Coordinator) Applied() logic.PowerSource {
	return c.detector.Applied()
}

// Inverter returns the inverter handle.
func (c *Coordinator) Inverter() *inverter.Inverter { return c.inverter }

// Tick runs one coordination pass and returns the events it produced.
func (c *Coordinator) Tick(ctx context.Context, now time.Time) []logic.Event {
	var events []logic.Event
	emit := func(t logic.EventType) {
		events = append(events, logic.Event{
			Timestamp: now,
			Type:      t,
			Source:    c.binding.LastKnown,
			Service:   c.binding.Service,
		})
	}

	valid := false
	if c.bound {
		valid = c.validate(ctx)
	}

	switch {
	case !valid && c.bound:
		c.logger.Info("transfer switch digital input no longer valid or name mismatch",
			zap.String("service", c.binding.Service))
		emit(logic.EventSwitchLost)
		c.unbind()
	case !valid && c.searchDelay >= c.cfg.SearchEvery:
		if c.search(ctx) {
			emit(logic.EventSwitchBound)
		}
	}

	if c.bound {
		c.searchDelay = 0
	} else if c.searchDelay < c.cfg.SearchEvery {
		c.searchDelay++
	} else {
		c.searchDelay = 0
	}

	if !c.bound {
		c.inverter.Release(ctx)
		return events
	}

	c.inverter.Refresh(ctx)
	healthy := c.inverter.Healthy()
	if healthy {
		if ev, ok := c.detector.Process(c.binding.LastKnown, now); ok {
			switch ev {
			case logic.EventToGenerator:
				c.TransferToGenerator(ctx)
			case logic.EventToGrid:
				c.TransferToGrid(ctx)
			}
			emit(ev)
		}
	}

	c.inverter.SyncRemoteGeneratorSelected(ctx, healthy && c.OnGenerator())
	return events
}

// validate re-reads the bound input's label and state.
func (c *Coordinator) validate(ctx context.Context) bool {
	service := c.binding.Service
	label, err := bus.ReadString(ctx, c.bus, service, sensor.PathCustomName)
	if err != nil {
		c.logger.Error("error reading transfer switch input name", zap.String("service", service), zap.Error(err))
		return false
	}
	if !sensor.Matches(label, []string{c.cfg.Label}, true) {
		c.logger.Info("transfer switch input name no longer matches",
			zap.String("name", label), zap.String("want", c.cfg.Label))
		return false
	}
	source, err := c.readSource(ctx, service)
	if err != nil {
		c.logger.Error("error reading transfer switch state", zap.String("service", service), zap.Error(err))
		return false
	}
	c.binding.Label = label
	c.binding.LastKnown = source
	return true
}

func (c *Coordinator) readSource(ctx context.Context, service string) (logic.PowerSource, error) {
	code, err := bus.ReadInt(ctx, c.bus, service, PathState)
	if err != nil {
		return "", err
	}
	source, ok := logic.SourceForCode(code)
	if !ok {
		return "", fmt.Errorf("unrecognized state code %d", code)
	}
	return source, nil
}

// Find looks for a switch input without binding it.
func (c *Coordinator) Find(ctx context.Context) (Binding, bool) {
	m, ok := c.registry.FindByLabel(ctx, sensor.Query{
		Prefix:     bus.PrefixDigitalInput,
		Labels:     []string{c.cfg.Label},
		FoldCase:   true,
		LabelPaths: []string{sensor.PathCustomName},
		Accept: func(ctx context.Context, service string) bool {
			_, err := c.readSource(ctx, service)
			return err == nil
		},
	})
	if !ok {
		return Binding{}, false
	}
	source, err := c.readSource(ctx, m.Service)
	if err != nil {
		return Binding{}, false
	}
	return Binding{Service: m.Service, Label: m.Label, LastKnown: source}, true
}

func (c *Coordinator) search(ctx context.Context) bool {
	b, ok := c.Find(ctx)
	if !ok {
		if !c.firstSearchDone {
			c.logger.Warn("no transfer switch digital input found with a custom name matching",
				zap.String("label", c.cfg.Label))
			c.firstSearchDone = true
		}
		return false
	}

	c.bound = true
	c.binding = b
	c.firstSearchDone = true
	c.logger.Info("discovered transfer switch digital input",
		zap.String("service", b.Service),
		zap.String("name", b.Label),
		zap.String("source", string(b.LastKnown)))
	return true
}

func (c *Coordinator) unbind() {
	c.bound = false
	c.binding = Binding{}
	c.detector.Interrupt()
}

// TransferToGrid saves the generator current limit and applies the grid
// profile. Each step runs even if an earlier one failed; the returned error
// joins the failures.
func (c *Coordinator) TransferToGrid(ctx context.Context) error {
	if !c.inverter.Healthy() {
		return inverter.ErrNotReady
	}
	c.logger.Info("switching to grid settings")
	var errs []error
	fail := func(msg string, err error) {
		c.logger.Error(msg, zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", msg, err))
	}

	if limit, err := c.inverter.CurrentLimit(ctx); err != nil {
		fail("generator current limit not saved", err)
	} else if err := c.store.Set(ctx, settings.GeneratorCurrentLimit, limit); err != nil {
		fail("generator current limit not saved", err)
	}

	if t, err := c.store.Get(ctx, settings.GridType); err != nil {
		fail("AC input type not changed to grid", err)
	} else {
		gridType, changed := logic.GridTypeToApply(int(t))
		if changed {
			c.logger.Warn("no valid grid input type saved, using grid", zap.Int("stored", int(t)))
		}
		if err := c.inverter.SetInputType(ctx, gridType); err != nil {
			fail("AC input type not changed to grid", err)
		}
	}

	if err := c.applyLimit(ctx, settings.GridCurrentLimit); err != nil {
		fail("AC input current limit not changed to grid", err)
	}
	return errors.Join(errs...)
}

// TransferToGenerator saves the grid input type and current limit and
// applies the generator profile. Each step runs even if an earlier one
// failed; the returned error joins the failures.
func (c *Coordinator) TransferToGenerator(ctx context.Context) error {
	if !c.inverter.Healthy() {
		return inverter.ErrNotReady
	}
	c.logger.Info("switching to generator settings")
	var errs []error
	fail := func(msg string, err error) {
		c.logger.Error(msg, zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", msg, err))
	}

	if t, err := c.inverter.InputType(ctx); err != nil {
		fail("AC input type not saved", err)
	} else {
		sanitized, changed := logic.SanitizeGridType(t)
		if changed {
			c.logger.Warn("grid input can not be generator, saving as grid")
		}
		if err := c.store.Set(ctx, settings.GridType, float64(sanitized)); err != nil {
			fail("AC input type not saved", err)
		}
	}

	if limit, err := c.inverter.CurrentLimit(ctx); err != nil {
		fail("grid current limit not saved", err)
	} else if err := c.store.Set(ctx, settings.GridCurrentLimit, limit); err != nil {
		fail("grid current limit not saved", err)
	}

	if err := c.inverter.SetInputType(ctx, logic.InputTypeGenerator); err != nil {
		fail("AC input type not changed to generator", err)
	}

	if err := c.applyLimit(ctx, settings.GeneratorCurrentLimit); err != nil {
		fail("AC input current limit not changed to generator", err)
	}
	return errors.Join(errs...)
}

// applyLimit writes the stored limit k to the inverter when the device
// allows it.
func (c *Coordinator) applyLimit(ctx context.Context, k settings.Key) error {
	adjustable, err := c.inverter.CurrentLimitAdjustable(ctx)
	if err != nil {
		return err
	}
	if !adjustable {
		c.logger.Warn("input current limit not adjustable, not changed")
		return nil
	}
	limit, err := c.store.Get(ctx, k)
	if err != nil {
		return err
	}
	return c.inverter.SetCurrentLimit(ctx, limit)
}
