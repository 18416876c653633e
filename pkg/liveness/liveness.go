// Package liveness decides whether the subject in front of the camera is a
// live, blinking, moving human before a face descriptor is captured.
//
// An Engine consumes landmark frames one at a time. Each frame runs through a
// BlinkDetector and a MovementDetector; their per-frame events are counted by
// a Verifier until both checks reach their thresholds.
package liveness

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrCodeEU/sabhapass/pkg/geometry"
)

// Frame is one sample of facial landmarks for a single subject. Points are
// normalized to [0,1] of the frame and index i always names the same
// anatomical location. A nil *Frame means no face was detected.
type Frame struct {
	Points    []geometry.Point `json:"points"`
	Timestamp time.Time        `json:"timestamp"`
}

// Check names one liveness check.
type Check string

const (
	CheckBlink    Check = "blink"
	CheckMovement Check = "movement"
)

// Message returns the user-facing notice shown when the check passes.
func (c Check) Message() string {
	switch c {
	case CheckBlink:
		return "Blink verified"
	case CheckMovement:
		return "Movement verified"
	}
	return string(c) + " verified"
}

// CheckProgress is the accumulated progress of one check.
type CheckProgress struct {
	Verified bool `json:"verified"`
	Count    int  `json:"count"`
}

// Feedback is a transient notice raised once when a check passes.
type Feedback struct {
	Check     Check     `json:"check"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

// State is a read-only snapshot of a verification session.
type State struct {
	FaceDetected bool          `json:"face_detected"`
	Blink        CheckProgress `json:"blink"`
	Movement     CheckProgress `json:"movement"`
	// Feedback is set while the most recent pass notice is still showing.
	Feedback *Feedback `json:"feedback,omitempty"`
}

// Ready reports whether both checks have passed. There is no partial gate.
func (s State) Ready() bool {
	return s.Blink.Verified && s.Movement.Verified
}

// PassedChecks counts the verified checks.
func (s State) PassedChecks() int {
	n := 0
	if s.Blink.Verified {
		n++
	}
	if s.Movement.Verified {
		n++
	}
	return n
}

// Profile selects a named pair of check thresholds.
type Profile string

const (
	ProfileLogin      Profile = "login"
	ProfileAttendance Profile = "attendance"
)

// Thresholds is the number of qualifying events each check needs.
type Thresholds struct {
	Blink    int `yaml:"blink_threshold"`
	Movement int `yaml:"movement_threshold"`
}

// DefaultProfiles are the thresholds used by the citizen login screen and the
// meeting attendance banner.
func DefaultProfiles() map[Profile]Thresholds {
	return map[Profile]Thresholds{
		ProfileLogin:      {Blink: 4, Movement: 5},
		ProfileAttendance: {Blink: 2, Movement: 5},
	}
}

// BlinkConfig tunes the eye-aspect-ratio blink detector.
type BlinkConfig struct {
	LeftEye  []int
	RightEye []int
	// BaselineMargin scales the first EAR sample into the open-eye baseline.
	BaselineMargin float64
	// ClosedRatio is the fraction of the baseline below which the eye is closed.
	ClosedRatio float64
	// A closure counts as a blink only if strictly between these durations.
	MinDuration time.Duration
	MaxDuration time.Duration
}

// MovementConfig tunes the macro-movement detector.
type MovementConfig struct {
	ReferencePoints []int
	NoiseFloor      float64
	Threshold       float64
	MinValidPoints  int
	HistorySize     int
	MinMovingFrames int
}

// Config holds every tunable of the engine.
type Config struct {
	MinLandmarks     int
	Blink            BlinkConfig
	Movement         MovementConfig
	Thresholds       Thresholds
	FeedbackDuration time.Duration
}

// Face-mesh landmark indices. Each eye is ordered outer corner, two upper
// lid points, inner corner, two lower lid points.
var (
	LeftEyeIndices  = []int{33, 160, 158, 133, 153, 144}
	RightEyeIndices = []int{362, 385, 387, 263, 373, 380}
	// Nose tip, outer eye corners, mouth corners.
	MovementReferenceIndices = []int{1, 33, 263, 61, 291}
)

// FaceMeshLandmarks is the point count of a full face-mesh frame.
const FaceMeshLandmarks = 468

// DefaultConfig returns the login profile with the stock detector tunables.
func DefaultConfig() Config {
	return Config{
		MinLandmarks: FaceMeshLandmarks,
		Blink: BlinkConfig{
			LeftEye:        append([]int(nil), LeftEyeIndices...),
			RightEye:       append([]int(nil), RightEyeIndices...),
			BaselineMargin: 1.2,
			ClosedRatio:    0.5,
			MinDuration:    50 * time.Millisecond,
			MaxDuration:    150 * time.Millisecond,
		},
		Movement: MovementConfig{
			ReferencePoints: append([]int(nil), MovementReferenceIndices...),
			NoiseFloor:      0.001,
			Threshold:       0.0025,
			MinValidPoints:  3,
			HistorySize:     10,
			MinMovingFrames: 5,
		},
		Thresholds:       DefaultProfiles()[ProfileLogin],
		FeedbackDuration: 2 * time.Second,
	}
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if len(c.Blink.LeftEye) != 6 || len(c.Blink.RightEye) != 6 {
		return fmt.Errorf("eye index sets must have 6 points, got %d and %d", len(c.Blink.LeftEye), len(c.Blink.RightEye))
	}
	if maxIdx := geometry.MaxIndex(c.Blink.LeftEye, c.Blink.RightEye, c.Movement.ReferencePoints); c.MinLandmarks <= maxIdx {
		return fmt.Errorf("min landmarks %d does not cover landmark index %d", c.MinLandmarks, maxIdx)
	}
	if c.Blink.BaselineMargin <= 0 {
		return fmt.Errorf("baseline margin must be positive, got %f", c.Blink.BaselineMargin)
	}
	if c.Blink.ClosedRatio <= 0 || c.Blink.ClosedRatio >= 1 {
		return fmt.Errorf("closed ratio must be between 0 and 1, got %f", c.Blink.ClosedRatio)
	}
	if c.Blink.MinDuration < 0 || c.Blink.MaxDuration <= c.Blink.MinDuration {
		return fmt.Errorf("invalid blink duration window: %v-%v", c.Blink.MinDuration, c.Blink.MaxDuration)
	}
	if len(c.Movement.ReferencePoints) == 0 {
		return errors.New("movement reference points must not be empty")
	}
	if c.Movement.MinValidPoints < 1 || c.Movement.MinValidPoints > len(c.Movement.ReferencePoints) {
		return fmt.Errorf("min valid points must be between 1 and %d, got %d", len(c.Movement.ReferencePoints), c.Movement.MinValidPoints)
	}
	if c.Movement.HistorySize < 1 {
		return fmt.Errorf("movement history size must be positive, got %d", c.Movement.HistorySize)
	}
	if c.Movement.MinMovingFrames < 1 || c.Movement.MinMovingFrames > c.Movement.HistorySize {
		return fmt.Errorf("min moving frames must be between 1 and %d, got %d", c.Movement.HistorySize, c.Movement.MinMovingFrames)
	}
	if c.Movement.NoiseFloor < 0 || c.Movement.Threshold < 0 {
		return errors.New("movement noise floor and threshold must not be negative")
	}
	if c.Thresholds.Blink < 1 || c.Thresholds.Movement < 1 {
		return fmt.Errorf("check thresholds must be positive, got blink=%d movement=%d", c.Thresholds.Blink, c.Thresholds.Movement)
	}
	if c.FeedbackDuration < 0 {
		return fmt.Errorf("feedback duration must not be negative, got %v", c.FeedbackDuration)
	}
	return nil
}

// ErrInsufficientLandmarks is returned when a frame has fewer points than
// the detectors index into. The frame is declined without touching state.
var ErrInsufficientLandmarks = errors.New("insufficient landmarks")

// ErrInvalidLandmarks is returned when a landmark the detectors read has a
// NaN or infinite coordinate. The frame is declined like a short one.
var ErrInvalidLandmarks = errors.New("non-finite landmark coordinates")

// ErrSessionInactive is returned for frames delivered before Start or after Stop.
var ErrSessionInactive = errors.New("verification session not active")

// ErrStaleSession is returned for frames accepted under a session that has
// since been reset or stopped.
var ErrStaleSession = errors.New("frame belongs to a previous session")

// ErrStaleFrame is returned for frames older than the last processed frame.
var ErrStaleFrame = errors.New("frame older than last processed frame")
