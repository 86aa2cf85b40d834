// Package autocurrent derates the generator current limit and keeps it in
// sync with the inverter's AC input limit.
package autocurrent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/transfer-switch/internal/bus"
	"github.com/sweeney/transfer-switch/internal/derating"
	"github.com/sweeney/transfer-switch/internal/logic"
	"github.com/sweeney/transfer-switch/internal/sensor"
	"github.com/sweeney/transfer-switch/internal/settings"
)

// Sensor paths.
const (
	PathTemperature = "/Temperature"
	PathAltitude    = "/Altitude"
	PathState       = "/State"
)

// Config holds the sensor labels and discovery options.
type Config struct {
	OutdoorLabels     []string
	GeneratorLabels   []string
	AutoCurrentLabels []string

	// OutdoorRetries and RetryDelay bound the start-up search for the
	// outdoor sensor, which may register late.
	OutdoorRetries int
	RetryDelay     time.Duration

	// Rediscover is the number of ticks between searches for sensors that
	// are still missing. Zero disables rediscovery.
	Rediscover int
}

// DefaultConfig returns the standard labels and discovery options.
func DefaultConfig() Config {
	return Config{
		OutdoorLabels:     []string{"Outdoor", "outdoor"},
		GeneratorLabels:   []string{"gen", "Gen", "generator", "Generator"},
		AutoCurrentLabels: []string{"Gen Auto Current", "gen auto current"},
		OutdoorRetries:    3,
		RetryDelay:        time.Second,
		Rediscover:        12,
	}
}

// SourceState reports whether the generator profile is applied.
type SourceState interface {
	OnGenerator() bool
}

// ACLimit reads and writes the inverter's active AC input current limit.
type ACLimit interface {
	CurrentLimit(ctx context.Context) (float64, error)
	SetCurrentLimit(ctx context.Context, amps float64) error
}

// Sensors are the discovered services; empty means not found.
type Sensors struct {
	Outdoor     string
	Generator   string
	GPS         string
	AutoCurrent string
}

// Snapshot is the state after the last tick.
type Snapshot struct {
	Sensors     Sensors
	Inputs      derating.Inputs
	Mode        logic.AutoCurrentMode
	OnGenerator bool
	Multiplier  *float64
	DeratedAmps *float64
	StoredLimit *float64
	ACLimit     *float64
	Skip        logic.SyncSkip
}

// Monitor runs the derating and limit synchronization. Not safe for
// concurrent use; Tick runs on the scheduler goroutine.
type Monitor struct {
	bus      bus.Bus
	registry *sensor.Registry
	store    settings.Store
	ac       ACLimit
	source   SourceState
	logger   *zap.Logger
	cfg      Config

	sensors Sensors
	inputs  derating.Inputs
	mode    logic.AutoCurrentMode
	sync    logic.LimitSync
	ticks   int
	last    Snapshot

	loggedOutdoor, loggedAltitude, loggedGenerator bool
}

// New creates a Monitor. Call Discover before the first Tick.
func New(b bus.Bus, registry *sensor.Registry, store settings.Store, ac ACLimit, source SourceState, cfg Config, logger *zap.Logger) *Monitor {
	return &Monitor{
		bus:      b,
		registry: registry,
		store:    store,
		ac:       ac,
		source:   source,
		logger:   logger,
		cfg:      cfg,
		mode:     logic.AutoUnknown,
	}
}

// Discover looks up every sensor and reads the initial values.
func (m *Monitor) Discover(ctx context.Context) {
	m.discover(ctx, m.cfg.OutdoorRetries)
	m.logger.Info("sensors discovered",
		zap.String("outdoor_temp", m.sensors.Outdoor),
		zap.String("generator_temp", m.sensors.Generator),
		zap.String("gps", m.sensors.GPS),
		zap.String("gen_auto_current", m.sensors.AutoCurrent))
	m.readInputs(ctx)
	m.readMode(ctx)
	m.last = Snapshot{Sensors: m.sensors, Inputs: m.inputs, Mode: m.mode}
}

func (m *Monitor) discover(ctx context.Context, outdoorRetries int) {
	if m.sensors.Outdoor == "" {
		match, ok := m.registry.FindByLabel(ctx, sensor.Query{
			Prefix:     bus.PrefixTemperature,
			Labels:     m.cfg.OutdoorLabels,
			LabelPaths: []string{sensor.PathCustomName},
			Retries:    outdoorRetries,
			RetryDelay: m.cfg.RetryDelay,
		})
		if ok {
			m.sensors.Outdoor = match.Service
			m.logger.Info("found outdoor temperature sensor", zap.String("service", match.Service), zap.String("name", match.Label))
		} else if outdoorRetries > 0 {
			m.logger.Warn("could not find an outdoor temperature sensor", zap.Strings("labels", m.cfg.OutdoorLabels))
		}
	}

	if m.sensors.Generator == "" {
		match, ok := m.registry.FindByLabel(ctx, sensor.Query{
			Prefix: bus.PrefixTemperature,
			Labels: m.cfg.GeneratorLabels,
			Accept: func(_ context.Context, service string) bool {
				return service != m.sensors.Outdoor
			},
		})
		if ok {
			m.sensors.Generator = match.Service
			m.logger.Info("found generator temperature sensor", zap.String("service", match.Service), zap.String("name", match.Label))
		}
	}

	if m.sensors.GPS == "" {
		if service, ok := m.registry.FindFirst(ctx, bus.PrefixGPS); ok {
			m.sensors.GPS = service
			m.logger.Info("found GPS", zap.String("service", service))
		}
	}

	if m.sensors.AutoCurrent == "" {
		match, ok := m.registry.FindByLabel(ctx, sensor.Query{
			Prefix:     bus.PrefixDigitalInput,
			Labels:     m.cfg.AutoCurrentLabels,
			LabelPaths: []string{sensor.PathProductName},
		})
		if ok {
			m.sensors.AutoCurrent = match.Service
			m.logger.Info("found gen auto current input", zap.String("service", match.Service), zap.String("name", match.Label))
		} else if outdoorRetries > 0 {
			m.logger.Warn("could not find a digital input for gen auto current", zap.Strings("labels", m.cfg.AutoCurrentLabels))
		}
	}
}

func (m *Monitor) allFound() bool {
	s := m.sensors
	return s.Outdoor != "" && s.Generator != "" && s.GPS != "" && s.AutoCurrent != ""
}

// readInputs refreshes the derating inputs. A failed read keeps the
// previous value.
func (m *Monitor) readInputs(ctx context.Context) {
	if v, ok := m.read(ctx, m.sensors.Outdoor, PathTemperature); ok {
		f := derating.CelsiusToFahrenheit(v)
		m.inputs.OutdoorTempF = &f
		if !m.loggedOutdoor {
			m.logger.Info("initial outdoor temperature", zap.Float64("fahrenheit", f))
			m.loggedOutdoor = true
		}
	}
	if v, ok := m.read(ctx, m.sensors.GPS, PathAltitude); ok {
		ft := derating.MetersToFeet(v)
		m.inputs.AltitudeFt = &ft
		if !m.loggedAltitude {
			m.logger.Info("initial altitude", zap.Float64("feet", ft))
			m.loggedAltitude = true
		}
	}
	if v, ok := m.read(ctx, m.sensors.Generator, PathTemperature); ok {
		f := derating.CelsiusToFahrenheit(v)
		m.inputs.GeneratorTempF = &f
		if !m.loggedGenerator {
			m.logger.Info("initial generator temperature", zap.Float64("fahrenheit", f))
			m.loggedGenerator = true
		} else if f > derating.HighGenTempF {
			m.logger.Debug("generator temperature above threshold", zap.Float64("fahrenheit", f))
		}
	}
}

func (m *Monitor) read(ctx context.Context, service, path string) (float64, bool) {
	if service == "" {
		return 0, false
	}
	v, err := bus.ReadFloat(ctx, m.bus, service, path)
	if err != nil {
		m.logger.Debug("sensor read failed", zap.String("service", service), zap.String("path", path), zap.Error(err))
		return 0, false
	}
	return v, true
}

// readMode reads the auto current input and reports whether the mode
// changed. A failed read keeps the previous mode.
func (m *Monitor) readMode(ctx context.Context) bool {
	v, ok := m.read(ctx, m.sensors.AutoCurrent, PathState)
	if !ok {
		return false
	}
	mode := logic.AutoModeForCode(int(v))
	if mode == m.mode {
		return false
	}
	m.logger.Info("gen auto current mode changed", zap.String("from", string(m.mode)), zap.String("to", string(mode)))
	m.mode = mode
	return true
}

// Tick runs one derating and synchronization pass.
func (m *Monitor) Tick(ctx context.Context, now time.Time) []logic.Event {
	var events []logic.Event

	m.ticks++
	if m.cfg.Rediscover > 0 && m.ticks%m.cfg.Rediscover == 0 && !m.allFound() {
		m.discover(ctx, 0)
	}

	m.readInputs(ctx)
	if m.readMode(ctx) {
		events = append(events, logic.Event{Timestamp: now, Type: logic.EventAutoMode, Mode: m.mode})
	}

	// Everything below works from this one snapshot.
	snap := Snapshot{
		Sensors:     m.sensors,
		Inputs:      m.inputs,
		Mode:        m.mode,
		OnGenerator: m.source.OnGenerator(),
	}

	if amps, mult, ok := derating.Compute(m.inputs); ok {
		snap.Multiplier = &mult
		snap.DeratedAmps = &amps
	} else if snap.Mode == logic.AutoEnabled {
		m.logger.Debug("not all temperature or altitude data available for derating")
	}

	if v, err := m.store.Get(ctx, settings.GeneratorCurrentLimit); err == nil {
		snap.StoredLimit = &v
	} else {
		m.logger.Warn("generator current limit setting unreadable, skipping sync", zap.Error(err))
	}
	if snap.OnGenerator && snap.StoredLimit != nil {
		if v, err := m.ac.CurrentLimit(ctx); err == nil {
			snap.ACLimit = &v
		} else {
			m.logger.Debug("AC input current limit unreadable", zap.Error(err))
		}
	}

	var derated *float64
	if snap.Mode == logic.AutoEnabled {
		derated = snap.DeratedAmps
	}
	writes, skip := m.sync.Plan(logic.SyncInput{
		OnGenerator:  snap.OnGenerator,
		Mode:         snap.Mode,
		StoredLimit:  snap.StoredLimit,
		ACLimit:      snap.ACLimit,
		DeratedLimit: derated,
	})
	snap.Skip = skip

	for _, w := range writes {
		if err := m.execute(ctx, w); err != nil {
			m.logger.Error("current limit write failed",
				zap.String("rule", string(w.Rule)),
				zap.Float64("amps", w.Value),
				zap.Error(err))
			break
		}
		m.sync.Commit(w)
		if w.ToSetting() {
			v := w.Value
			snap.StoredLimit = &v
		} else {
			v := w.Value
			snap.ACLimit = &v
		}
		events = append(events, logic.Event{
			Timestamp: now,
			Type:      eventFor(w.Rule),
			Mode:      snap.Mode,
			Value:     w.Value,
		})
	}

	m.last = snap
	return events
}

func (m *Monitor) execute(ctx context.Context, w logic.Write) error {
	if w.ToSetting() {
		if err := m.store.Set(ctx, settings.GeneratorCurrentLimit, w.Value); err != nil {
			return err
		}
		if w.Rule == logic.RuleDerating && !m.sync.InitialWritten {
			m.logger.Info("initial derated generator current limit", zap.Float64("amps", w.Value))
		} else {
			m.logger.Info("generator current limit updated", zap.String("rule", string(w.Rule)), zap.Float64("amps", w.Value))
		}
		return nil
	}
	if err := m.ac.SetCurrentLimit(ctx, w.Value); err != nil {
		return err
	}
	m.logger.Info("AC input current limit updated", zap.Float64("amps", w.Value))
	return nil
}

func eventFor(r logic.Rule) logic.EventType {
	switch r {
	case logic.RuleGeneratorToAC:
		return logic.EventGeneratorToAC
	case logic.RuleACToGenerator:
		return logic.EventACToGenerator
	}
	return logic.EventDeratedLimit
}

// Snapshot returns the state after the last tick.
func (m *Monitor) Snapshot() Snapshot {
	return m.last
}
