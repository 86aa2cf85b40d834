package bus

import (
	"context"
	"sort"
)

// Mux serves a few named services from their own Bus and everything else
// from a default Bus. It is used to mount local virtual services, such as a
// GPIO-backed digital input, next to the real ones.
type Mux struct {
	def     Bus
	mounted map[string]Bus
}

// NewMux creates a Mux that falls back to def.
func NewMux(def Bus) *Mux {
	return &Mux{def: def, mounted: make(map[string]Bus)}
}

// Mount routes all calls for service to b.
func (m *Mux) Mount(service string, b Bus) {
	m.mounted[service] = b
}

func (m *Mux) route(service string) Bus {
	if b, ok := m.mounted[service]; ok {
		return b
	}
	return m.def
}

func (m *Mux) Read(ctx context.Context, service, path string) (any, error) {
	return m.route(service).Read(ctx, service, path)
}

func (m *Mux) Write(ctx context.Context, service, path string, value any) error {
	return m.route(service).Write(ctx, service, path, value)
}

// ListServices lists the default bus followed by the mounted services. A
// failing default bus does not hide the mounted services.
func (m *Mux) ListServices(ctx context.Context) ([]string, error) {
	services, err := m.def.ListServices(ctx)
	mounted := make([]string, 0, len(m.mounted))
	for s := range m.mounted {
		mounted = append(mounted, s)
	}
	sort.Strings(mounted)
	services = append(services, mounted...)
	if err != nil && len(mounted) == 0 {
		return nil, err
	}
	return services, nil
}

// AddSetting forwards to whichever bus serves the settings service.
func (m *Mux) AddSetting(ctx context.Context, path string, def, minValue, maxValue any) error {
	r, ok := m.route(ServiceSettings).(SettingsRegistrar)
	if !ok {
		return writeFailed(ServiceSettings, path, errNoRegistrar)
	}
	return r.AddSetting(ctx, path, def, minValue, maxValue)
}
