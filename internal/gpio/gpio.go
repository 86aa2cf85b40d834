// Package gpio provides a GPIO-backed transfer switch input with hardware
// abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/sweeney/transfer-switch/internal/bus"
	"github.com/sweeney/transfer-switch/internal/logic"
)

// Reader reads a single GPIO input line.
type Reader interface {
	// Read returns true when the line is active.
	Read() (bool, error)

	// Close releases GPIO resources.
	Close() error
}

// Digital input paths served by InputService.
const (
	PathCustomName  = "/CustomName"
	PathProductName = "/ProductName"
	PathState       = "/State"
	PathConnected   = "/Connected"
)

// ProductName is reported on /ProductName.
const ProductName = "GPIO transfer switch input"

// ServiceName returns the digital input service name for a pin.
func ServiceName(pin int) string {
	return bus.PrefixDigitalInput + ".gpio" + strconv.Itoa(pin)
}

// InputService serves a GPIO line as a Venus digital input, so a contact
// wired straight to the host can stand in for a transfer switch input.
// An active line reports the generator state code unless activeOnGrid is set.
type InputService struct {
	reader       Reader
	service      string
	activeOnGrid bool

	mu   sync.Mutex
	name string
}

// NewInputService creates an InputService named service with the given
// custom name.
func NewInputService(r Reader, service, name string, activeOnGrid bool) *InputService {
	return &InputService{reader: r, service: service, name: name, activeOnGrid: activeOnGrid}
}

// Service returns the service name this input is served under.
func (s *InputService) Service() string { return s.service }

func (s *InputService) Read(_ context.Context, service, path string) (any, error) {
	if service != s.service {
		return nil, fmt.Errorf("%w: %s%s", bus.ErrUnavailable, service, path)
	}
	switch path {
	case PathCustomName:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.name, nil
	case PathProductName:
		return ProductName, nil
	case PathConnected:
		return 1, nil
	case PathState:
		active, err := s.reader.Read()
		if err != nil {
			return nil, fmt.Errorf("%w: %s%s: %v", bus.ErrUnavailable, service, path, err)
		}
		return s.code(active), nil
	}
	return nil, fmt.Errorf("%w: %s%s", bus.ErrUnavailable, service, path)
}

func (s *InputService) code(active bool) int {
	if active != s.activeOnGrid {
		return logic.CodeGenerator
	}
	return logic.CodeGrid
}

// Write accepts a new /CustomName. Every other path is read-only.
func (s *InputService) Write(_ context.Context, service, path string, value any) error {
	name, ok := value.(string)
	if service != s.service || path != PathCustomName || !ok {
		return fmt.Errorf("%w: %s%s", bus.ErrWriteFailed, service, path)
	}
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
	return nil
}

func (s *InputService) ListServices(context.Context) ([]string, error) {
	return []string{s.service}, nil
}

// Close releases the underlying reader.
func (s *InputService) Close() error {
	return s.reader.Close()
}
