// Package settings holds the transfer-switch profile settings and the stores
// that persist them.
package settings

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sweeney/transfer-switch/internal/bus"
	"github.com/sweeney/transfer-switch/internal/logic"
)

// Namespace is the settings path prefix.
const Namespace = "/Settings/TransferSwitch/"

// Key names one setting.
type Key string

const (
	GridCurrentLimit      Key = "GridCurrentLimit"
	GeneratorCurrentLimit Key = "GeneratorCurrentLimit"
	GridType              Key = "GridType"
	StopWhenAcAvailable   Key = "StopWhenAcAvailable"
	StopWhenAcAvailableFp Key = "StopWhenAcAvailableFp"
	TransferSwitchOnAc2   Key = "TransferSwitchOnAc2"
)

// Path returns the full settings path of k.
func (k Key) Path() string {
	return Namespace + string(k)
}

// Definition declares a setting's default and range. A range with
// Min >= Max is unbounded.
type Definition struct {
	Key     Key
	Default float64
	Min     float64
	Max     float64
	Integer bool
}

// Definitions lists every setting owned by the daemon.
var Definitions = []Definition{
	{Key: GridCurrentLimit},
	{Key: GeneratorCurrentLimit},
	{Key: GridType, Integer: true},
	{Key: StopWhenAcAvailable, Integer: true},
	{Key: StopWhenAcAvailableFp, Integer: true},
	{Key: TransferSwitchOnAc2, Integer: true},
}

// ErrUnknownKey is returned for keys not in Definitions.
var ErrUnknownKey = errors.New("unknown setting")

// Lookup returns the definition of k.
func Lookup(k Key) (Definition, bool) {
	for _, d := range Definitions {
		if d.Key == k {
			return d, true
		}
	}
	return Definition{}, false
}

// Clamp limits v to the definition's range.
func (d Definition) Clamp(v float64) float64 {
	if d.Min >= d.Max {
		return v
	}
	if v < d.Min {
		return d.Min
	}
	if v > d.Max {
		return d.Max
	}
	return v
}

// Store reads and writes settings by key.
type Store interface {
	Get(ctx context.Context, k Key) (float64, error)
	Set(ctx context.Context, k Key, v float64) error
}

// Profile is the grid-side and generator-side input profile.
type Profile struct {
	GridInputType         int
	GridCurrentLimit      float64
	GeneratorCurrentLimit float64
}

// LoadProfile reads the profile. Unreadable fields are left zero and
// reported in the returned error.
func LoadProfile(ctx context.Context, s Store) (Profile, error) {
	var p Profile
	var errs []error

	if v, err := s.Get(ctx, GridType); err != nil {
		errs = append(errs, err)
	} else {
		p.GridInputType = int(v)
	}
	if v, err := s.Get(ctx, GridCurrentLimit); err != nil {
		errs = append(errs, err)
	} else {
		p.GridCurrentLimit = v
	}
	if v, err := s.Get(ctx, GeneratorCurrentLimit); err != nil {
		errs = append(errs, err)
	} else {
		p.GeneratorCurrentLimit = v
	}
	return p, errors.Join(errs...)
}

// SanitizeGridType rewrites a stored grid type of 2 (generator) as 1 (grid).
// It reports whether a correction was written.
func SanitizeGridType(ctx context.Context, s Store, logger *zap.Logger) (bool, error) {
	v, err := s.Get(ctx, GridType)
	if err != nil {
		return false, fmt.Errorf("read grid type: %w", err)
	}
	fixed, changed := logic.SanitizeGridType(int(v))
	if !changed {
		return false, nil
	}
	logger.Warn("grid input type was generator, resetting to grid")
	if err := s.Set(ctx, GridType, float64(fixed)); err != nil {
		return false, fmt.Errorf("write grid type: %w", err)
	}
	return true, nil
}

// BusStore keeps settings on the bus settings service.
type BusStore struct {
	bus bus.Bus
}

// NewBusStore creates a BusStore on b.
func NewBusStore(b bus.Bus) *BusStore {
	return &BusStore{bus: b}
}

// Register creates missing settings with their defaults. Buses that cannot
// create settings are left alone.
func (s *BusStore) Register(ctx context.Context) error {
	r, ok := s.bus.(bus.SettingsRegistrar)
	if !ok {
		return nil
	}
	var errs []error
	for _, d := range Definitions {
		var def, lo, hi any = d.Default, d.Min, d.Max
		if d.Integer {
			def, lo, hi = int(d.Default), int(d.Min), int(d.Max)
		}
		if err := r.AddSetting(ctx, d.Key.Path(), def, lo, hi); err != nil {
			errs = append(errs, fmt.Errorf("register %s: %w", d.Key, err))
		}
	}
	return errors.Join(errs...)
}

// Get reads k from the settings service.
func (s *BusStore) Get(ctx context.Context, k Key) (float64, error) {
	if _, ok := Lookup(k); !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownKey, k)
	}
	return bus.ReadFloat(ctx, s.bus, bus.ServiceSettings, k.Path())
}

// Set writes k to the settings service.
func (s *BusStore) Set(ctx context.Context, k Key, v float64) error {
	d, ok := Lookup(k)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, k)
	}
	v = d.Clamp(v)
	var value any = v
	if d.Integer {
		value = int(v)
	}
	return s.bus.Write(ctx, bus.ServiceSettings, k.Path(), value)
}
