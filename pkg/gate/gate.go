// Package gate guards descriptor capture behind the liveness checks.
// A capture is refused until the engine reports both checks verified; the
// accepted still is rendered through the view transform, turned into a face
// descriptor and packaged for storage.
package gate

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/MrCodeEU/sabhapass/pkg/config"
	"github.com/MrCodeEU/sabhapass/pkg/liveness"
	"github.com/MrCodeEU/sabhapass/pkg/logging"
	"github.com/MrCodeEU/sabhapass/pkg/recognition"
	"github.com/MrCodeEU/sabhapass/pkg/storage"
	"github.com/MrCodeEU/sabhapass/pkg/view"
)

// ErrorCode represents a specific gate error type.
type ErrorCode string

const (
	CodeNotVerified       ErrorCode = "NOT_VERIFIED"
	CodeFaceNotRecognized ErrorCode = "FACE_NOT_RECOGNIZED"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeSessionEnded      ErrorCode = "SESSION_ENDED"
	CodeCamera            ErrorCode = "CAMERA_ERROR"
	CodeStorage           ErrorCode = "STORAGE_ERROR"
)

// Error is a structured gate error. Err, when set, is the underlying cause.
type Error struct {
	Code    ErrorCode
	Message string
	Retry   bool
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// User-friendly error messages
var errorMessages = map[ErrorCode]string{
	CodeNotVerified:       "Please complete liveliness checks",
	CodeFaceNotRecognized: "Face not recognized clearly",
	CodeTimeout:           "Liveness verification timed out. Please try again",
	CodeSessionEnded:      "Verification was restarted. Please try again",
	CodeCamera:            "Camera error. Please check your camera connection",
	CodeStorage:           "Could not save the capture",
}

// GetErrorMessage returns a user-friendly message for an error code.
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return "Capture failed"
}

// NewError creates a new gate error.
func NewError(code ErrorCode, retry bool) *Error {
	return &Error{
		Code:    code,
		Message: GetErrorMessage(code),
		Retry:   retry,
		Details: make(map[string]interface{}),
	}
}

// CodeOf returns the code of a gate error anywhere in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return ""
}

// Engine defines the liveness engine operations the gate drives.
type Engine interface {
	Start() uint64
	Stop()
	Reset()
	Run(ctx context.Context, src liveness.FrameSource, onState func(liveness.State) bool) error
	CurrentState() liveness.State
	IsReadyToCapture() bool
	SessionID() string
}

// Store defines where accepted captures are kept.
type Store interface {
	SaveCapture(rec *storage.CaptureRecord) error
}

// Options holds the gate settings.
type Options struct {
	Profile     string
	Timeout     time.Duration
	JPEGQuality int
	// OnState is called with every processed state while waiting.
	OnState func(liveness.State)
}

// Gate refuses capture until liveness is verified.
type Gate struct {
	engine    Engine
	extractor recognition.Extractor
	store     Store
	opts      Options
	log       *logrus.Entry

	closers []func() error
}

// New creates a gate over the given components. store may be nil, in which
// case captures are returned but not persisted.
func New(engine Engine, extractor recognition.Extractor, store Store, opts Options) *Gate {
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = view.DefaultJPEGQuality
	}
	return &Gate{
		engine:    engine,
		extractor: extractor,
		store:     store,
		opts:      opts,
		log:       logging.Component("gate"),
	}
}

// NewFromConfig builds the engine, descriptor extractor and capture store
// described by cfg.
func NewFromConfig(cfg *config.Config) (*Gate, *liveness.Engine, error) {
	engineCfg, err := cfg.Liveness.EngineConfig()
	if err != nil {
		return nil, nil, err
	}
	engine, err := liveness.NewEngine(engineCfg)
	if err != nil {
		return nil, nil, err
	}

	// Initialize storage
	store, err := storage.NewFileStorage(cfg.Storage.DataDir, cfg.Storage.EncryptionEnabled)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	// Initialize extractor
	extractor := recognition.NewExtractor()
	if err := extractor.LoadModels(cfg.Recognition.ModelPath); err != nil {
		return nil, nil, fmt.Errorf("failed to load recognition models: %w", err)
	}

	g := New(engine, extractor, store, Options{
		Profile:     cfg.Liveness.Profile,
		Timeout:     cfg.Liveness.TimeoutDuration(),
		JPEGQuality: cfg.Capture.JPEGQuality,
	})
	g.closers = append(g.closers, extractor.Close)
	return g, engine, nil
}

// SetOnState sets the observer called while waiting for liveness.
func (g *Gate) SetOnState(fn func(liveness.State)) {
	g.opts.OnState = fn
}

// SetTimeout sets the liveness timeout.
func (g *Gate) SetTimeout(timeout time.Duration) {
	g.opts.Timeout = timeout
}

// Close releases all resources.
func (g *Gate) Close() {
	g.engine.Stop()
	for _, c := range g.closers {
		_ = c()
	}
	g.closers = nil
}

// Begin starts a fresh verification session.
func (g *Gate) Begin() {
	g.engine.Start()
}

// Retry discards the progress of the running session and verifies again
// under the same session. With no session running it begins a new one.
// A WaitForLiveness in progress ends with CodeSessionEnded.
func (g *Gate) Retry() {
	if g.engine.SessionID() == "" {
		g.engine.Start()
		return
	}
	g.engine.Reset()
	g.log.Debug("Verification restarted")
}

// WaitForLiveness feeds frames from src into the current session until both
// checks are verified. It fails with CodeTimeout when the configured timeout
// or ctx expires first and with CodeSessionEnded when the session is reset,
// stopped or the source runs dry.
func (g *Gate) WaitForLiveness(ctx context.Context, src liveness.FrameSource) (liveness.State, error) {
	if g.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
		defer cancel()
	}

	startTime := time.Now()
	var last liveness.State
	err := g.engine.Run(ctx, src, func(s liveness.State) bool {
		last = s
		if g.opts.OnState != nil {
			g.opts.OnState(s)
		}
		return !s.Ready()
	})

	switch {
	case errors.Is(err, liveness.ErrSessionInactive):
		gerr := NewError(CodeSessionEnded, true)
		gerr.Err = err
		return last, gerr
	case err != nil:
		gerr := NewError(CodeTimeout, true)
		gerr.Err = err
		gerr.Details["blink"] = last.Blink.Count
		gerr.Details["movement"] = last.Movement.Count
		g.log.WithFields(logrus.Fields{
			"elapsed":  time.Since(startTime).Round(time.Millisecond),
			"blink":    last.Blink.Count,
			"movement": last.Movement.Count,
		}).Warn("Liveness verification timed out")
		return last, gerr
	case !last.Ready():
		gerr := NewError(CodeSessionEnded, true)
		gerr.Details["passed"] = last.PassedChecks()
		return last, gerr
	}

	g.log.WithField("elapsed", time.Since(startTime).Round(time.Millisecond)).Info("Liveness verified")
	return last, nil
}

// Capture turns img into a stored descriptor. It is refused unless the
// session is ready. The still is rendered with the zoom and pan of t but
// never mirrored. The session is stopped before extraction, so any failure
// from here on requires a new verification.
func (g *Gate) Capture(img image.Image, t view.Transform) (*storage.CaptureRecord, error) {
	if !g.engine.IsReadyToCapture() {
		g.log.Debug("Capture refused before verification")
		return nil, NewError(CodeNotVerified, true)
	}
	if img == nil {
		return nil, NewError(CodeCamera, true)
	}

	state := g.engine.CurrentState()
	sessionID := g.engine.SessionID()

	still := view.Render(img, t.ForCapture())
	data, err := view.EncodeJPEG(still, g.opts.JPEGQuality)
	g.engine.Stop()
	if err != nil {
		gerr := NewError(CodeCamera, false)
		gerr.Err = err
		return nil, gerr
	}

	descriptor, err := g.extractor.ExtractDescriptor(data)
	if err != nil {
		g.log.WithError(err).Warn("Descriptor extraction failed")
		gerr := NewError(CodeFaceNotRecognized, false)
		gerr.Err = err
		return nil, gerr
	}
	if recognition.IsZero(descriptor) {
		g.log.Warn("Extractor returned an empty descriptor")
		gerr := NewError(CodeFaceNotRecognized, false)
		gerr.Err = recognition.ErrNoFaceFound
		return nil, gerr
	}

	rec := &storage.CaptureRecord{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		Profile:       g.opts.Profile,
		Descriptor:    descriptor,
		Image:         data,
		BlinkCount:    state.Blink.Count,
		MovementCount: state.Movement.Count,
		Zoom:          t.Zoom,
		CapturedAt:    time.Now().UTC(),
	}

	if g.store != nil {
		if err := g.store.SaveCapture(rec); err != nil {
			gerr := NewError(CodeStorage, false)
			gerr.Err = err
			return rec, gerr
		}
	}

	g.log.WithFields(logrus.Fields{
		"capture": rec.ID,
		"session": sessionID,
		"bytes":   len(data),
	}).Info("Capture accepted")
	return rec, nil
}
