package liveness

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/MrCodeEU/sabhapass/pkg/geometry"
	"github.com/MrCodeEU/sabhapass/pkg/logging"
)

// Engine owns one verification session at a time. All frame processing and
// lifecycle calls are serialized; every frame runs to completion before the
// next is accepted.
//
// Each Start, Reset and Stop advances a generation counter. Frames carry the
// generation they were accepted under and are discarded if it has moved on,
// so a frame in flight across a reset can never touch the new session.
type Engine struct {
	mu sync.Mutex

	cfg    Config
	clock  func() time.Time
	notify func(Feedback)
	log    *logrus.Entry

	active     bool
	generation uint64
	sessionID  string
	lastFrame  time.Time
	// ended is closed when the current generation is superseded.
	ended chan struct{}

	blink    *BlinkDetector
	movement *MovementDetector
	verifier *Verifier
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces time.Now. Frames without a timestamp are stamped with it.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithNotifier registers a callback invoked once per check when it passes.
// It runs with the engine lock held and must not call back into the engine.
func WithNotifier(fn func(Feedback)) Option {
	return func(e *Engine) {
		e.notify = fn
	}
}

// NewEngine validates cfg and returns an idle engine.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid liveness config: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		clock:    time.Now,
		log:      logging.Component("liveness"),
		blink:    NewBlinkDetector(cfg.Blink),
		movement: NewMovementDetector(cfg.Movement),
		verifier: NewVerifier(cfg.Thresholds, cfg.FeedbackDuration),
		ended:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Start begins a fresh session and returns its generation. Starting an
// active engine restarts it.
func (e *Engine) Start() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.clearLocked()
	e.active = true
	e.sessionID = uuid.NewString()
	e.log.WithFields(logrus.Fields{
		"session":    e.sessionID,
		"generation": e.generation,
	}).Info("Verification session started")
	return e.generation
}

// Stop ends the session and clears its state. Stopping an idle engine is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.active {
		return
	}
	e.log.WithField("session", e.sessionID).Info("Verification session stopped")
	e.clearLocked()
	e.active = false
	e.sessionID = ""
}

// Reset clears all accumulated state. An active session stays active under a
// new generation, so frames accepted before the reset are discarded.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.clearLocked()
	e.log.WithField("generation", e.generation).Debug("Verification state reset")
}

func (e *Engine) clearLocked() {
	close(e.ended)
	e.ended = make(chan struct{})
	e.generation++
	e.lastFrame = time.Time{}
	e.blink.Reset()
	e.movement.Reset()
	e.verifier.Reset()
}

// Active reports whether a session is running.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Generation returns the current session generation.
func (e *Engine) Generation() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation
}

// SessionID returns the ID of the running session, or "" when idle.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// ProcessFrame runs one frame through the detectors under the current session.
func (e *Engine) ProcessFrame(f *Frame) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.processLocked(e.generation, f)
}

// ProcessFrameFor runs one frame only if generation is still current.
func (e *Engine) ProcessFrameFor(generation uint64, f *Frame) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.processLocked(generation, f)
}

func (e *Engine) processLocked(generation uint64, f *Frame) (State, error) {
	now := e.clock()
	if !e.active {
		return e.verifier.Snapshot(now), ErrSessionInactive
	}
	if generation != e.generation {
		return e.verifier.Snapshot(now), ErrStaleSession
	}

	if f == nil {
		e.verifier.SetFaceDetected(false)
		return e.verifier.Snapshot(now), nil
	}

	if len(f.Points) < e.cfg.MinLandmarks {
		e.verifier.SetFaceDetected(false)
		return e.verifier.Snapshot(now), fmt.Errorf("%w: got %d, need %d", ErrInsufficientLandmarks, len(f.Points), e.cfg.MinLandmarks)
	}
	if !geometry.Finite(f.Points, e.cfg.Blink.LeftEye, e.cfg.Blink.RightEye, e.cfg.Movement.ReferencePoints) {
		e.verifier.SetFaceDetected(false)
		return e.verifier.Snapshot(now), ErrInvalidLandmarks
	}

	frame := *f
	if frame.Timestamp.IsZero() {
		frame.Timestamp = now
	}
	if !e.lastFrame.IsZero() && frame.Timestamp.Before(e.lastFrame) {
		return e.verifier.Snapshot(now), ErrStaleFrame
	}
	e.lastFrame = frame.Timestamp

	blinked := e.blink.Process(&frame)
	moved := e.movement.Process(&frame)

	e.verifier.SetFaceDetected(true)
	state, passed := e.verifier.Update(blinked, moved, now)

	for _, c := range passed {
		progress := state.Blink
		if c == CheckMovement {
			progress = state.Movement
		}
		e.log.WithFields(logrus.Fields{
			"session": e.sessionID,
			"check":   c,
			"count":   progress.Count,
		}).Info("Liveness check verified")
		if e.notify != nil {
			e.notify(Feedback{Check: c, Message: c.Message(), ExpiresAt: now.Add(e.cfg.FeedbackDuration)})
		}
	}
	if state.Ready() && len(passed) > 0 {
		e.log.WithField("session", e.sessionID).Info("Subject verified live")
	}
	return state, nil
}

// CurrentState returns a snapshot of the session.
func (e *Engine) CurrentState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.verifier.Snapshot(e.clock())
}

// IsReadyToCapture reports whether both checks have passed.
func (e *Engine) IsReadyToCapture() bool {
	return e.CurrentState().Ready()
}

// Baseline exposes the calibrated open-eye EAR for diagnostics.
func (e *Engine) Baseline() (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blink.Baseline()
}
