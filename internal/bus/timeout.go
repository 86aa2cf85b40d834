package bus

import (
	"context"
	"time"
)

// timeoutBus bounds every call on the wrapped bus.
type timeoutBus struct {
	inner   Bus
	timeout time.Duration
}

// WithTimeout wraps b so that no call outlives d. A non-positive d returns b.
func WithTimeout(b Bus, d time.Duration) Bus {
	if d <= 0 {
		return b
	}
	return &timeoutBus{inner: b, timeout: d}
}

func (t *timeoutBus) Read(ctx context.Context, service, path string) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.Read(ctx, service, path)
}

func (t *timeoutBus) Write(ctx context.Context, service, path string, value any) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.Write(ctx, service, path, value)
}

func (t *timeoutBus) ListServices(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.ListServices(ctx)
}

func (t *timeoutBus) AddSetting(ctx context.Context, path string, def, minValue, maxValue any) error {
	r, ok := t.inner.(SettingsRegistrar)
	if !ok {
		return writeFailed(ServiceSettings, path, errNoRegistrar)
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return r.AddSetting(ctx, path, def, minValue, maxValue)
}
