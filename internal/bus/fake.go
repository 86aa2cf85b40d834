package bus

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// FakeBus is an in-memory test double. Values written are visible to later
// reads, like a device that accepts every write.
type FakeBus struct {
	mu sync.Mutex

	// Values holds service -> path -> value.
	Values map[string]map[string]any

	// ReadErrors makes reads of "service"+"path" fail.
	ReadErrors map[string]error

	// WriteErrors makes writes of "service"+"path" fail.
	WriteErrors map[string]error

	// ListError, if set, will be returned by ListServices.
	ListError error

	// Writes records every successful write in order.
	Writes []FakeWrite

	// Reads counts reads per "service"+"path".
	Reads map[string]int
}

// FakeWrite is a recorded write.
type FakeWrite struct {
	Service string
	Path    string
	Value   any
}

// NewFakeBus creates an empty FakeBus.
func NewFakeBus() *FakeBus {
	return &FakeBus{
		Values:      make(map[string]map[string]any),
		ReadErrors:  make(map[string]error),
		WriteErrors: make(map[string]error),
		Reads:       make(map[string]int),
	}
}

// Set stores a value without recording a write.
func (f *FakeBus) Set(service, path string, value any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Values[service] == nil {
		f.Values[service] = make(map[string]any)
	}
	f.Values[service][path] = value
}

// Get returns a stored value.
func (f *FakeBus) Get(service, path string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.Values[service][path]
	return v, ok
}

// Remove deletes a whole service.
func (f *FakeBus) Remove(service string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Values, service)
}

// Read returns the stored value or ErrUnavailable.
func (f *FakeBus) Read(ctx context.Context, service, path string) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Reads[service+path]++
	if err := f.ReadErrors[service+path]; err != nil {
		return nil, unavailable(service, path, err)
	}
	v, ok := f.Values[service][path]
	if !ok || v == nil {
		return nil, unavailable(service, path, nil)
	}
	return v, nil
}

// Write stores the value and records the write.
func (f *FakeBus) Write(ctx context.Context, service, path string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.WriteErrors[service+path]; err != nil {
		return writeFailed(service, path, err)
	}
	if _, ok := f.Values[service]; !ok {
		return writeFailed(service, path, errors.New("no such service"))
	}
	f.Values[service][path] = value
	f.Writes = append(f.Writes, FakeWrite{Service: service, Path: path, Value: value})
	return nil
}

// ListServices returns the stored services sorted by name.
func (f *FakeBus) ListServices(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListError != nil {
		return nil, f.ListError
	}
	out := make([]string, 0, len(f.Values))
	for s := range f.Values {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// AddSetting creates the setting with its default unless it exists.
func (f *FakeBus) AddSetting(ctx context.Context, path string, def, minValue, maxValue any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Values[ServiceSettings] == nil {
		f.Values[ServiceSettings] = make(map[string]any)
	}
	if _, ok := f.Values[ServiceSettings][path]; !ok {
		f.Values[ServiceSettings][path] = def
	}
	return nil
}

// WritesTo returns the recorded writes to one path.
func (f *FakeBus) WritesTo(service, path string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, w := range f.Writes {
		if w.Service == service && w.Path == path {
			out = append(out, w.Value)
		}
	}
	return out
}

// ResetWrites clears the recorded writes.
func (f *FakeBus) ResetWrites() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Writes = nil
}
