// Package sensor discovers services on the bus by their label.
package sensor

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/transfer-switch/internal/bus"
)

// Label paths, in the order they are tried by default.
const (
	PathCustomName  = "/CustomName"
	PathProductName = "/ProductName"
)

// Query describes a label search.
type Query struct {
	// Prefix limits the scan to services whose name starts with it.
	Prefix string

	// Labels are the substrings to look for; any one matches.
	Labels []string

	// FoldCase makes the match case-insensitive.
	FoldCase bool

	// LabelPaths are read in order on each service before moving on to the
	// next service. Defaults to /CustomName then /ProductName.
	LabelPaths []string

	// Retries is the number of extra scans when nothing matches.
	Retries int

	// RetryDelay is the pause between scans.
	RetryDelay time.Duration

	// Accept, if set, must also approve a matching service.
	Accept func(ctx context.Context, service string) bool
}

// Match is a discovered service.
type Match struct {
	Service string
	Label   string
}

// Registry finds services on a Bus.
type Registry struct {
	bus    bus.Bus
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration)
}

// NewRegistry creates a Registry on b.
func NewRegistry(b bus.Bus, logger *zap.Logger) *Registry {
	return &Registry{bus: b, logger: logger, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// FindByLabel returns the first service matching q.
func (r *Registry) FindByLabel(ctx context.Context, q Query) (Match, bool) {
	paths := q.LabelPaths
	if len(paths) == 0 {
		paths = []string{PathCustomName, PathProductName}
	}

	for attempt := 0; ; attempt++ {
		if m, ok := r.scan(ctx, q, paths); ok {
			return m, true
		}
		if attempt >= q.Retries || ctx.Err() != nil {
			return Match{}, false
		}
		r.logger.Debug("no match, retrying",
			zap.String("prefix", q.Prefix),
			zap.Strings("labels", q.Labels),
			zap.Int("attempt", attempt+1))
		r.sleep(ctx, q.RetryDelay)
	}
}

func (r *Registry) scan(ctx context.Context, q Query, paths []string) (Match, bool) {
	all, err := r.bus.ListServices(ctx)
	if err != nil {
		r.logger.Debug("list services failed", zap.Error(err))
		return Match{}, false
	}
	services := bus.ServicesWithPrefix(all, q.Prefix)

	for _, service := range services {
		for _, path := range paths {
			label, err := bus.ReadString(ctx, r.bus, service, path)
			if err != nil {
				r.logger.Debug("label unreadable", zap.String("service", service), zap.String("path", path), zap.Error(err))
				continue
			}
			if !Matches(label, q.Labels, q.FoldCase) {
				continue
			}
			if q.Accept != nil && !q.Accept(ctx, service) {
				continue
			}
			return Match{Service: service, Label: label}, true
		}
	}
	return Match{}, false
}

// FindFirst returns the first service with the prefix, in bus order.
func (r *Registry) FindFirst(ctx context.Context, prefix string) (string, bool) {
	all, err := r.bus.ListServices(ctx)
	if err != nil {
		return "", false
	}
	services := bus.ServicesWithPrefix(all, prefix)
	if len(services) == 0 {
		return "", false
	}
	return services[0], true
}

// Matches reports whether label contains any of labels.
func Matches(label string, labels []string, foldCase bool) bool {
	if label == "" {
		return false
	}
	if foldCase {
		label = strings.ToLower(label)
	}
	for _, want := range labels {
		if foldCase {
			want = strings.ToLower(want)
		}
		if strings.Contains(label, want) {
			return true
		}
	}
	return false
}
