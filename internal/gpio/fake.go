package gpio

import (
	"errors"
	"sync"
)

// FakeReader is a test double that returns scripted line values.
type FakeReader struct {
	mu sync.Mutex

	// Samples contains scripted values. Each Read consumes the next one and
	// the last one repeats.
	Samples []bool

	index int

	// Closed tracks if Close was called
	Closed bool

	// ReadError, if set, will be returned by Read()
	ReadError error
}

// NewFakeReader creates a FakeReader with the given samples.
func NewFakeReader(samples ...bool) *FakeReader {
	return &FakeReader{Samples: samples}
}

// Read returns the next scripted sample.
func (f *FakeReader) Read() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadError != nil {
		return false, f.ReadError
	}
	if len(f.Samples) == 0 {
		return false, errors.New("no samples configured")
	}

	v := f.Samples[f.index]
	if f.index < len(f.Samples)-1 {
		f.index++
	}
	return v, nil
}

// Close marks the reader as closed.
func (f *FakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// Set replaces the scripted samples and restarts from the first one.
func (f *FakeReader) Set(samples ...bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Samples = samples
	f.index = 0
}
