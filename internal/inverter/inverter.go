// Package inverter tracks the VE.Bus inverter/charger the transfer switch
// feeds, and reads and writes its AC input.
package inverter

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sweeney/transfer-switch/internal/bus"
	"github.com/sweeney/transfer-switch/internal/settings"
)

// Device paths.
const (
	PathVebusService            = "/VebusService"
	PathNumberOfAcInputs        = "/Ac/NumberOfAcInputs"
	PathCurrentLimit            = "/Ac/ActiveIn/CurrentLimit"
	PathCurrentLimitAdjustable  = "/Ac/ActiveIn/CurrentLimitIsAdjustable"
	PathRemoteGeneratorSelected = "/Ac/Control/RemoteGeneratorSelected"
	PathAcInput1Type            = "/Settings/SystemSetup/AcInput1"
	PathAcInput2Type            = "/Settings/SystemSetup/AcInput2"
)

// noService is what the system service reports when no VE.Bus device exists.
const noService = "---"

// remoteUnknown means RemoteGeneratorSelected has not been written to the
// current device yet.
const remoteUnknown = -1

// ErrNotReady is returned when no usable inverter is known.
var ErrNotReady = errors.New("inverter not ready")

// Inverter is the handle to the current VE.Bus device. It follows the device
// through hot swaps by re-resolving the system /VebusService path.
// Not safe for concurrent use.
type Inverter struct {
	bus      bus.Bus
	settings settings.Store
	logger   *zap.Logger

	service   string
	acInputs  int
	location  int
	remoteSel int

	foundInitially bool
	loggedNotFound bool
}

// New creates an Inverter with no device.
func New(b bus.Bus, store settings.Store, logger *zap.Logger) *Inverter {
	return &Inverter{
		bus:       b,
		settings:  store,
		logger:    logger,
		remoteSel: remoteUnknown,
	}
}

// Service returns the resolved VE.Bus service, or "".
func (i *Inverter) Service() string { return i.service }

// AcInputs returns the number of AC inputs of the device (1 Multi, 2 Quattro).
func (i *Inverter) AcInputs() int { return i.acInputs }

// Location returns the AC input the transfer switch is wired to, or 0.
func (i *Inverter) Location() int { return i.location }

// Healthy reports whether the device is resolved and its AC input known.
func (i *Inverter) Healthy() bool {
	return i.service != "" && i.acInputs > 0 && i.location != 0
}

// Model returns "Quattro", "Multi" or "".
func (i *Inverter) Model() string {
	switch i.acInputs {
	case 2:
		return "Quattro"
	case 1:
		return "Multi"
	}
	return ""
}

// Refresh resolves the device, re-reading its properties when the service
// changed.
func (i *Inverter) Refresh(ctx context.Context) {
	service, err := bus.ReadString(ctx, i.bus, bus.ServiceSystem, PathVebusService)
	if err == nil && service == noService {
		err = errors.New("no VE.Bus device")
	}
	if err != nil {
		switch {
		case i.service != "":
			i.logger.Info("Multi/Quattro disappeared", zap.String("service", i.service), zap.Error(err))
		case !i.foundInitially && !i.loggedNotFound:
			i.logger.Warn("Multi/Quattro (VE.Bus) service not found on startup", zap.Error(err))
			i.loggedNotFound = true
		}
		i.forget()
		i.updateLocation(ctx)
		return
	}

	if service != i.service {
		i.resolve(ctx, service)
	}
	i.updateLocation(ctx)
}

func (i *Inverter) resolve(ctx context.Context, service string) {
	i.service = service
	i.remoteSel = remoteUnknown

	n, err := bus.ReadInt(ctx, i.bus, service, PathNumberOfAcInputs)
	if err != nil {
		i.logger.Error("failed to read number of AC inputs", zap.String("service", service), zap.Error(err))
		n = 0
	}
	i.acInputs = n

	switch n {
	case 0:
		if i.foundInitially {
			i.logger.Error("VE.Bus service found but reports no AC inputs; Multi/Quattro might be misconfigured or starting up",
				zap.String("service", service))
		}
		i.foundInitially = false
	case 2:
		i.logger.Info("discovered Quattro", zap.String("service", service))
		i.foundInitially = true
		i.loggedNotFound = false
	default:
		i.logger.Info("discovered Multi", zap.String("service", service))
		i.foundInitially = true
		i.loggedNotFound = false
	}
}

func (i *Inverter) forget() {
	i.service = ""
	i.acInputs = 0
	i.remoteSel = remoteUnknown
}

// updateLocation picks the AC input the switch feeds: the only input of a
// Multi, or AC in 1/2 of a Quattro from the TransferSwitchOnAc2 setting.
func (i *Inverter) updateLocation(ctx context.Context) {
	location := 0
	switch {
	case i.acInputs == 0:
	case i.acInputs == 1:
		location = 1
	default:
		location = 1
		if v, err := i.settings.Get(ctx, settings.TransferSwitchOnAc2); err == nil && int(v) == 1 {
			location = 2
		}
	}
	if location != i.location && location != 0 {
		i.logger.Info("transfer switch input located", zap.Int("ac_input", location))
	}
	i.location = location
}

// Release writes RemoteGeneratorSelected=0 if it may still be set and drops
// the device. Used when the transfer switch is lost.
func (i *Inverter) Release(ctx context.Context) {
	if i.service != "" && i.remoteSel != remoteUnknown {
		if err := i.bus.Write(ctx, i.service, PathRemoteGeneratorSelected, 0); err != nil {
			i.logger.Error("could not release RemoteGeneratorSelected", zap.Error(err))
		}
	}
	i.forget()
	i.location = 0
	i.foundInitially = false
	i.loggedNotFound = false
}

// SyncRemoteGeneratorSelected writes 1 when on is true and 0 otherwise,
// only when the value differs from the last one written to this device.
// It reports whether a write was attempted.
func (i *Inverter) SyncRemoteGeneratorSelected(ctx context.Context, on bool) bool {
	if i.service == "" {
		i.remoteSel = remoteUnknown
		return false
	}
	want := 0
	if on {
		want = 1
	}
	if want == i.remoteSel {
		return false
	}
	if err := i.bus.Write(ctx, i.service, PathRemoteGeneratorSelected, want); err != nil {
		i.logger.Error("could not set RemoteGeneratorSelected", zap.Int("value", want), zap.Error(err))
		return true
	}
	i.remoteSel = want
	return true
}

// RemoteGeneratorSelected returns the last value written, or -1.
func (i *Inverter) RemoteGeneratorSelected() int { return i.remoteSel }

func (i *Inverter) ready() error {
	if i.service == "" {
		return ErrNotReady
	}
	return nil
}

// CurrentLimit reads the active AC input current limit.
func (i *Inverter) CurrentLimit(ctx context.Context) (float64, error) {
	if err := i.ready(); err != nil {
		return 0, err
	}
	return bus.ReadFloat(ctx, i.bus, i.service, PathCurrentLimit)
}

// SetCurrentLimit writes the active AC input current limit.
func (i *Inverter) SetCurrentLimit(ctx context.Context, amps float64) error {
	if err := i.ready(); err != nil {
		return err
	}
	return i.bus.Write(ctx, i.service, PathCurrentLimit, amps)
}

// CurrentLimitAdjustable reports whether the device accepts limit writes.
func (i *Inverter) CurrentLimitAdjustable(ctx context.Context) (bool, error) {
	if err := i.ready(); err != nil {
		return false, err
	}
	v, err := bus.ReadInt(ctx, i.bus, i.service, PathCurrentLimitAdjustable)
	if err != nil {
		return false, err
	}
	return v == 1, nil
}

func (i *Inverter) inputTypePath() (string, error) {
	switch i.location {
	case 1:
		return PathAcInput1Type, nil
	case 2:
		return PathAcInput2Type, nil
	}
	return "", fmt.Errorf("%w: transfer switch input unknown", ErrNotReady)
}

// InputType reads the type of the AC input the switch feeds.
func (i *Inverter) InputType(ctx context.Context) (int, error) {
	path, err := i.inputTypePath()
	if err != nil {
		return 0, err
	}
	return bus.ReadInt(ctx, i.bus, bus.ServiceSettings, path)
}

// SetInputType writes the type of the AC input the switch feeds.
func (i *Inverter) SetInputType(ctx context.Context, t int) error {
	path, err := i.inputTypePath()
	if err != nil {
		return err
	}
	return i.bus.Write(ctx, bus.ServiceSettings, path, t)
}
