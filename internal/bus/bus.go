// Package bus provides named-value reads and writes on named services, with
// abstraction for testing.
// The Venus OS implementations reach the same values either over D-Bus or
// through the MQTT bridge. The fake implementation allows testing without a bus.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Well-known service names and prefixes.
const (
	ServiceSystem   = "com.victronenergy.system"
	ServiceSettings = "com.victronenergy.settings"

	PrefixVebus        = "com.victronenergy.vebus"
	PrefixDigitalInput = "com.victronenergy.digitalinput"
	PrefixTemperature  = "com.victronenergy.temperature"
	PrefixGPS          = "com.victronenergy.gps"
)

var (
	// ErrUnavailable is returned when a value cannot be read: the service or
	// path is absent, the value is invalid, or the call failed.
	ErrUnavailable = errors.New("value unavailable")

	// ErrWriteFailed is returned when a write was not acknowledged.
	ErrWriteFailed = errors.New("write failed")

	errNoRegistrar = errors.New("bus cannot create settings")
)

// Bus reads and writes values addressed by service and path.
// Implementations fail soft: errors wrap ErrUnavailable or ErrWriteFailed
// and never panic.
type Bus interface {
	// Read returns the current value of path on service.
	Read(ctx context.Context, service, path string) (any, error)

	// Write sets path on service to value.
	Write(ctx context.Context, service, path string, value any) error

	// ListServices returns the names of all live services.
	ListServices(ctx context.Context) ([]string, error)
}

// SettingsRegistrar is implemented by buses that can create settings that
// do not exist yet.
type SettingsRegistrar interface {
	AddSetting(ctx context.Context, path string, def, minValue, maxValue any) error
}

func unavailable(service, path string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s%s", ErrUnavailable, service, path)
	}
	return fmt.Errorf("%w: %s%s: %v", ErrUnavailable, service, path, cause)
}

func writeFailed(service, path string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s%s", ErrWriteFailed, service, path)
	}
	return fmt.Errorf("%w: %s%s: %v", ErrWriteFailed, service, path, cause)
}

// ServicesWithPrefix filters a service list, keeping order.
func ServicesWithPrefix(services []string, prefix string) []string {
	var out []string
	for _, s := range services {
		if strings.HasPrefix(s, prefix) {
			out = append(out, s)
		}
	}
	return out
}

// ReadFloat reads a numeric value.
func ReadFloat(ctx context.Context, b Bus, service, path string) (float64, error) {
	v, err := b.Read(ctx, service, path)
	if err != nil {
		return 0, err
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, unavailable(service, path, fmt.Errorf("not a number: %v", v))
	}
	return f, nil
}

// ReadInt reads a numeric value and truncates it to an int.
func ReadInt(ctx context.Context, b Bus, service, path string) (int, error) {
	f, err := ReadFloat(ctx, b, service, path)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// ReadString reads a text value. Empty strings are returned as-is.
func ReadString(ctx context.Context, b Bus, service, path string) (string, error) {
	v, err := b.Read(ctx, service, path)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", unavailable(service, path, fmt.Errorf("not text: %v", v))
	}
	return s, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
