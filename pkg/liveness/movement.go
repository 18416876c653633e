package liveness

import (
	"github.com/MrCodeEU/sabhapass/pkg/geometry"
)

// MovementDetector reports sustained head movement. Each frame's mean
// reference-point displacement is thresholded into a bounded history, and
// movement counts only when a majority of the recent window moved.
type MovementDetector struct {
	cfg MovementConfig

	previous []geometry.Point

	history []bool
	next    int
	filled  int
}

// NewMovementDetector creates a detector with an empty history. The window
// holds at least one sample and at least one moving sample is required.
func NewMovementDetector(cfg MovementConfig) *MovementDetector {
	cfg.HistorySize = max(cfg.HistorySize, 1)
	cfg.MinMovingFrames = min(max(cfg.MinMovingFrames, 1), cfg.HistorySize)
	return &MovementDetector{
		cfg:     cfg,
		history: make([]bool, cfg.HistorySize),
	}
}

// Process consumes one frame and reports whether movement is sustained.
func (d *MovementDetector) Process(f *Frame) bool {
	if f == nil {
		return false
	}
	current, ok := geometry.Pick(f.Points, d.cfg.ReferencePoints)
	if !ok || !geometry.Finite(f.Points, d.cfg.ReferencePoints) {
		return false
	}

	if d.previous == nil {
		d.previous = current
		return false
	}

	var total float64
	valid := 0
	for i := range current {
		displacement := geometry.Distance(current[i], d.previous[i])
		if displacement > d.cfg.NoiseFloor {
			total += displacement
			valid++
		}
	}

	// Too few points moved past the noise floor to tell; keep the old reference.
	if valid < d.cfg.MinValidPoints {
		return false
	}

	sustained := d.record(total/float64(valid) > d.cfg.Threshold)
	d.previous = current
	return sustained
}

// record pushes one sample, evicting the oldest once the window is full, and
// reports whether enough samples in the window are true.
func (d *MovementDetector) record(moving bool) bool {
	d.history[d.next] = moving
	d.next = (d.next + 1) % len(d.history)
	if d.filled < len(d.history) {
		d.filled++
	}
	return d.MovingFrames() >= d.cfg.MinMovingFrames
}

// MovingFrames returns how many samples in the current window are true.
func (d *MovementDetector) MovingFrames() int {
	n := 0
	for i := 0; i < d.filled; i++ {
		if d.history[i] {
			n++
		}
	}
	return n
}

// Samples returns how many samples the window currently holds.
func (d *MovementDetector) Samples() int {
	return d.filled
}

// Reset forgets the reference frame and history.
func (d *MovementDetector) Reset() {
	d.previous = nil
	clear(d.history)
	d.next = 0
	d.filled = 0
}
