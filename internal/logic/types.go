// Package logic contains the pure decision logic for the transfer switch and
// the generator current-limit synchronizer.
// This package has NO external dependencies (no bus, MQTT, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import "time"

// PowerSource is the upstream source currently connected to the load.
type PowerSource string

const (
	SourceGrid      PowerSource = "GRID"
	SourceGenerator PowerSource = "GENERATOR"
)

// State codes reported on /State by the transfer switch digital input.
// Both encodings are seen in the field; 12/13 and 3/2 mean the same thing.
const (
	CodeGenerator    = 12
	CodeGrid         = 13
	CodeGeneratorAlt = 3
	CodeGridAlt      = 2
)

// SourceForCode maps a digital input state code to a power source.
// ok is false for codes that are not recognized.
func SourceForCode(code int) (source PowerSource, ok bool) {
	switch code {
	case CodeGenerator, CodeGeneratorAlt:
		return SourceGenerator, true
	case CodeGrid, CodeGridAlt:
		return SourceGrid, true
	}
	return "", false
}

// SwitchState is the binding state of the transfer switch coordinator.
type SwitchState string

const (
	StateUnbound        SwitchState = "UNBOUND"
	StateBoundGrid      SwitchState = "BOUND_GRID"
	StateBoundGenerator SwitchState = "BOUND_GENERATOR"
)

// StateFor returns the switch state for a bound source.
func StateFor(bound bool, source PowerSource) SwitchState {
	if !bound {
		return StateUnbound
	}
	if source == SourceGenerator {
		return StateBoundGenerator
	}
	return StateBoundGrid
}

// AutoCurrentMode is the observed state of the "Gen Auto Current" input.
type AutoCurrentMode string

const (
	AutoUnknown  AutoCurrentMode = "UNKNOWN"
	AutoEnabled  AutoCurrentMode = "ENABLED"
	AutoDisabled AutoCurrentMode = "DISABLED"
)

// CodeAutoCurrentOn is the /State code reported when automatic derating is on.
const CodeAutoCurrentOn = 3

// AutoModeForCode maps a digital input state code to an auto current mode.
func AutoModeForCode(code int) AutoCurrentMode {
	if code == CodeAutoCurrentOn {
		return AutoEnabled
	}
	return AutoDisabled
}

// AC input type codes written to /Settings/SystemSetup/AcInputN.
const (
	InputTypeGrid      = 1
	InputTypeGenerator = 2
	InputTypeShore     = 3
)

// SanitizeGridType returns the grid input type with the generator code
// replaced by the plain grid code. changed reports whether it was replaced.
func SanitizeGridType(t int) (sanitized int, changed bool) {
	if t == InputTypeGenerator {
		return InputTypeGrid, true
	}
	return t, false
}

// GridTypeToApply returns the input type to write when going back to grid.
// A stored type that is neither grid nor shore, such as the unset default 0,
// is applied as grid.
func GridTypeToApply(t int) (applied int, changed bool) {
	if t == InputTypeGrid || t == InputTypeShore {
		return t, false
	}
	return InputTypeGrid, true
}

// EventType represents something worth publishing.
type EventType string

const (
	EventSwitchBound   EventType = "SWITCH_BOUND"
	EventSwitchLost    EventType = "SWITCH_LOST"
	EventToGrid        EventType = "TO_GRID"
	EventToGenerator   EventType = "TO_GENERATOR"
	EventAutoMode      EventType = "AUTO_MODE"
	EventDeratedLimit  EventType = "DERATED_LIMIT"
	EventGeneratorToAC EventType = "GENERATOR_TO_AC"
	EventACToGenerator EventType = "AC_TO_GENERATOR"
)

// Event is a state change to be published.
type Event struct {
	Timestamp time.Time
	Type      EventType
	Source    PowerSource
	Service   string          // bound service, for switch events
	Mode      AutoCurrentMode // for AUTO_MODE
	Value     float64         // written current limit, for limit events
}

// Counts tracks the number of profile swaps since startup.
type Counts struct {
	ToGrid      int
	ToGenerator int
}
