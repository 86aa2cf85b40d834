package bus

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	busItemInterface  = "com.victronenergy.BusItem"
	settingsInterface = "com.victronenergy.Settings"
	settingsRoot      = "/Settings"
)

// DBus reads and writes Venus OS BusItems over the system D-Bus.
type DBus struct {
	conn *dbus.Conn
}

// ConnectDBus opens a shared connection to the system bus.
func ConnectDBus() (*DBus, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return NewDBus(conn), nil
}

// NewDBus wraps an open connection.
func NewDBus(conn *dbus.Conn) *DBus {
	return &DBus{conn: conn}
}

// Read calls GetValue on the BusItem at path. Venus marks invalid values
// with an empty array; those are reported as unavailable.
func (d *DBus) Read(ctx context.Context, service, path string) (any, error) {
	obj := d.conn.Object(service, dbus.ObjectPath(path))
	call := obj.CallWithContext(ctx, busItemInterface+".GetValue", 0)
	if call.Err != nil {
		return nil, unavailable(service, path, call.Err)
	}
	var v dbus.Variant
	if err := call.Store(&v); err != nil {
		return nil, unavailable(service, path, err)
	}
	val := v.Value()
	if isInvalid(val) {
		return nil, unavailable(service, path, nil)
	}
	return val, nil
}

// Write calls SetValue on the BusItem at path. A non-zero return code is a
// rejected write.
func (d *DBus) Write(ctx context.Context, service, path string, value any) error {
	obj := d.conn.Object(service, dbus.ObjectPath(path))
	call := obj.CallWithContext(ctx, busItemInterface+".SetValue", 0, dbus.MakeVariant(wireValue(value)))
	if call.Err != nil {
		return writeFailed(service, path, call.Err)
	}
	var rc int32
	if err := call.Store(&rc); err != nil {
		return writeFailed(service, path, err)
	}
	if rc != 0 {
		return writeFailed(service, path, fmt.Errorf("return code %d", rc))
	}
	return nil
}

// ListServices lists the names owned on the bus.
func (d *DBus) ListServices(ctx context.Context) ([]string, error) {
	var names []string
	call := d.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.ListNames", 0)
	if err := call.Store(&names); err != nil {
		return nil, fmt.Errorf("list names: %w", err)
	}
	return names, nil
}

// AddSetting creates a setting under /Settings with its default and range.
// Existing settings keep their value.
func (d *DBus) AddSetting(ctx context.Context, path string, def, minValue, maxValue any) error {
	name := strings.TrimPrefix(path, settingsRoot+"/")
	obj := d.conn.Object(ServiceSettings, dbus.ObjectPath(settingsRoot))
	call := obj.CallWithContext(ctx, settingsInterface+".AddSetting", 0,
		"", name,
		dbus.MakeVariant(wireValue(def)),
		settingType(def),
		dbus.MakeVariant(wireValue(minValue)),
		dbus.MakeVariant(wireValue(maxValue)),
	)
	if call.Err != nil {
		return writeFailed(ServiceSettings, path, call.Err)
	}
	return nil
}

// Close closes the connection.
func (d *DBus) Close() error {
	return d.conn.Close()
}

// wireValue narrows Go values to the D-Bus types Venus services expect.
func wireValue(v any) any {
	switch n := v.(type) {
	case int:
		return int32(n)
	case int64:
		return int32(n)
	case float32:
		return float64(n)
	}
	return v
}

func settingType(v any) string {
	switch v.(type) {
	case float32, float64:
		return "f"
	case string:
		return "s"
	}
	return "i"
}

func isInvalid(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Slice && rv.Len() == 0
}
