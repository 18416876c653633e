package liveness

import (
	"math"
	"time"

	"github.com/MrCodeEU/sabhapass/pkg/geometry"
)

// BlinkDetector finds single blinks from dips in the eye aspect ratio.
// The open-eye baseline is calibrated from the first usable frame and kept
// until Reset.
type BlinkDetector struct {
	cfg BlinkConfig

	baseline    float64
	closedSince time.Time
	closing     bool
}

// NewBlinkDetector creates a detector with no baseline.
func NewBlinkDetector(cfg BlinkConfig) *BlinkDetector {
	return &BlinkDetector{cfg: cfg}
}

// EyeAspectRatio computes (|p1-p5| + |p2-p4|) / (2*|p0-p3|) for a six point
// eye. It returns 0 for a malformed, degenerate or non-finite eye.
func EyeAspectRatio(eye []geometry.Point) float64 {
	ear, _ := eyeAspectRatio(eye)
	return ear
}

func eyeAspectRatio(eye []geometry.Point) (float64, bool) {
	if len(eye) != 6 {
		return 0, false
	}
	horizontal := geometry.Distance(eye[0], eye[3])
	if horizontal == 0 || math.IsNaN(horizontal) || math.IsInf(horizontal, 0) {
		return 0, false
	}
	vertical1 := geometry.Distance(eye[1], eye[5])
	vertical2 := geometry.Distance(eye[2], eye[4])
	ear := (vertical1 + vertical2) / (2 * horizontal)
	if math.IsNaN(ear) || math.IsInf(ear, 0) {
		return 0, false
	}
	return ear, true
}

// averageEAR returns the mean EAR of both eyes in the frame.
func (d *BlinkDetector) averageEAR(points []geometry.Point) (float64, bool) {
	left, ok := geometry.Pick(points, d.cfg.LeftEye)
	if !ok {
		return 0, false
	}
	right, ok := geometry.Pick(points, d.cfg.RightEye)
	if !ok {
		return 0, false
	}
	leftEAR, ok := eyeAspectRatio(left)
	if !ok {
		return 0, false
	}
	rightEAR, ok := eyeAspectRatio(right)
	if !ok {
		return 0, false
	}
	return (leftEAR + rightEAR) / 2, true
}

// Process consumes one frame and reports whether it completed a blink.
// Frames without both eye sets are declined and leave the detector untouched.
func (d *BlinkDetector) Process(f *Frame) bool {
	if f == nil {
		return false
	}
	ear, ok := d.averageEAR(f.Points)
	if !ok {
		return false
	}

	if !(d.baseline > 0) {
		d.baseline = ear * d.cfg.BaselineMargin
		return false
	}

	if ear < d.baseline*d.cfg.ClosedRatio {
		if !d.closing {
			d.closing = true
			d.closedSince = f.Timestamp
		}
		return false
	}

	if !d.closing {
		return false
	}

	duration := f.Timestamp.Sub(d.closedSince)
	d.closing = false
	d.closedSince = time.Time{}
	return duration > d.cfg.MinDuration && duration < d.cfg.MaxDuration
}

// Baseline returns the calibrated open-eye EAR, if any.
func (d *BlinkDetector) Baseline() (float64, bool) {
	return d.baseline, d.baseline > 0
}

// Closing reports whether a closure is currently being timed.
func (d *BlinkDetector) Closing() bool {
	return d.closing
}

// Reset clears the baseline and any closure in progress.
func (d *BlinkDetector) Reset() {
	d.baseline = 0
	d.closing = false
	d.closedSince = time.Time{}
}
