package logic

import "time"

// SourceDetector tracks the applied power source and detects debounced
// transitions of the transfer switch input.
type SourceDetector struct {
	debounceDuration time.Duration
	applied          PowerSource
	baselined        bool
	pending          PowerSource
	pendingSince     time.Time
	counts           Counts
}

// NewSourceDetector creates a detector. A zero debounce applies a new source
// on the first read that reports it.
func NewSourceDetector(debounceDuration time.Duration) *SourceDetector {
	return &SourceDetector{debounceDuration: debounceDuration}
}

// Process takes the mapped source of one read and returns the swap to perform,
// if any. The first source that survives the debounce becomes the baseline
// and never triggers a swap; afterwards a swap is returned only when the
// source differs from the one previously applied.
func (d *SourceDetector) Process(source PowerSource, now time.Time) (EventType, bool) {
	if d.pending != source {
		d.pending = source
		d.pendingSince = now
	}
	if now.Sub(d.pendingSince) < d.debounceDuration {
		return "", false
	}

	if !d.baselined {
		d.applied = source
		d.baselined = true
		return "", false
	}

	if source == d.applied {
		return "", false
	}

	d.applied = source
	if source == SourceGenerator {
		d.counts.ToGenerator++
		return EventToGenerator, true
	}
	d.counts.ToGrid++
	return EventToGrid, true
}

// Interrupt discards any pending observation. Called when the input is lost
// so that a debounce restarts from scratch after rebinding. The applied
// source is kept.
func (d *SourceDetector) Interrupt() {
	d.pending = ""
	d.pendingSince = time.Time{}
}

// Applied returns the most recently applied source.
func (d *SourceDetector) Applied() PowerSource {
	return d.applied
}

// CountsSnapshot returns the number of swaps since startup.
func (d *SourceDetector) CountsSnapshot() Counts {
	return d.counts
}
