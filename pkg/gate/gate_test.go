package gate

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"

	"github.com/MrCodeEU/sabhapass/pkg/geometry"
	"github.com/MrCodeEU/sabhapass/pkg/liveness"
	"github.com/MrCodeEU/sabhapass/pkg/recognition"
	"github.com/MrCodeEU/sabhapass/pkg/storage"
	"github.com/MrCodeEU/sabhapass/pkg/view"
)

var (
	red  = color.RGBA{R: 255, A: 255}
	blue = color.RGBA{B: 255, A: 255}
)

// splitImage is red on the left half and blue on the right half.
func splitImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x < w/2 {
				img.Set(x, y, red)
			} else {
				img.Set(x, y, blue)
			}
		}
	}
	return img
}

func readyEngine() *MockEngine {
	return &MockEngine{
		IsReadyToCaptureFunc: func() bool { return true },
		CurrentStateFunc: func() liveness.State {
			return liveness.State{
				FaceDetected: true,
				Blink:        liveness.CheckProgress{Verified: true, Count: 4},
				Movement:     liveness.CheckProgress{Verified: true, Count: 6},
			}
		},
		SessionIDFunc: func() string { return "session-1" },
	}
}

func testDescriptor() recognition.Descriptor {
	var d recognition.Descriptor
	for i := range d {
		d[i] = 0.01 * float32(i%10)
	}
	return d
}

func TestGetErrorMessage(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{CodeNotVerified, "Please complete liveliness checks"},
		{CodeFaceNotRecognized, "Face not recognized clearly"},
		{CodeTimeout, "Liveness verification timed out. Please try again"},
		{ErrorCode("UNKNOWN"), "Capture failed"},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := GetErrorMessage(tt.code); got != tt.want {
				t.Errorf("GetErrorMessage(%s) = %q, want %q", tt.code, got, tt.want)
			}
		})
	}
}

func TestError_Wrapping(t *testing.T) {
	gerr := NewError(CodeFaceNotRecognized, false)
	if gerr.Error() != "Face not recognized clearly" {
		t.Errorf("unexpected message: %s", gerr.Error())
	}
	if gerr.Details == nil {
		t.Error("Details should be initialized")
	}

	gerr.Err = recognition.ErrNoFaceFound
	var err error = gerr
	if !errors.Is(err, recognition.ErrNoFaceFound) {
		t.Error("expected cause to be reachable with errors.Is")
	}
	if CodeOf(err) != CodeFaceNotRecognized {
		t.Errorf("CodeOf = %s", CodeOf(err))
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Error("CodeOf should be empty for non-gate errors")
	}
}

func TestCapture_RefusedBeforeVerification(t *testing.T) {
	engine := &MockEngine{}
	called := false
	extractor := &MockExtractor{
		ExtractDescriptorFunc: func([]byte) (recognition.Descriptor, error) {
			called = true
			return testDescriptor(), nil
		},
	}
	g := New(engine, extractor, nil, Options{})

	_, err := g.Capture(splitImage(8, 8), view.Compute(view.FacingUser, 1, view.Pan{}))
	if CodeOf(err) != CodeNotVerified {
		t.Fatalf("expected %s, got %v", CodeNotVerified, err)
	}
	if err.Error() != "Please complete liveliness checks" {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if called {
		t.Error("extractor should not run before verification")
	}
	if engine.Stopped != 0 {
		t.Error("a refused capture must not end the session")
	}
}

func TestCapture_Success(t *testing.T) {
	engine := readyEngine()
	var received []byte
	extractor := &MockExtractor{
		ExtractDescriptorFunc: func(data []byte) (recognition.Descriptor, error) {
			received = data
			return testDescriptor(), nil
		},
	}
	store := &MockStore{}
	g := New(engine, extractor, store, Options{Profile: "attendance", JPEGQuality: 95})

	mirrored := view.Compute(view.FacingUser, 1, view.Pan{})
	if !mirrored.Mirror {
		t.Fatal("user-facing transform should mirror")
	}

	rec, err := g.Capture(splitImage(64, 32), mirrored)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	if engine.Stopped != 1 {
		t.Errorf("expected session to be stopped once, got %d", engine.Stopped)
	}
	if len(store.Saved) != 1 || store.Saved[0] != rec {
		t.Fatal("capture was not saved")
	}
	if rec.ID == "" || rec.SessionID != "session-1" || rec.Profile != "attendance" {
		t.Errorf("unexpected record identity: %+v", rec)
	}
	if rec.BlinkCount != 4 || rec.MovementCount != 6 || rec.Zoom != 1 {
		t.Errorf("unexpected liveness evidence: blink=%d movement=%d zoom=%f", rec.BlinkCount, rec.MovementCount, rec.Zoom)
	}
	if rec.Descriptor != testDescriptor() {
		t.Error("descriptor not stored")
	}
	if !bytes.Equal(received, rec.Image) {
		t.Error("extractor should see the stored JPEG")
	}

	// The still is never mirrored: red stays on the left.
	img, err := jpeg.Decode(bytes.NewReader(rec.Image))
	if err != nil {
		t.Fatalf("capture is not a JPEG: %v", err)
	}
	r, _, b, _ := img.At(4, 16).RGBA()
	if r>>8 < 200 || b>>8 > 60 {
		t.Errorf("expected red at the left edge, got r=%d b=%d", r>>8, b>>8)
	}
}

func TestCapture_DescriptorFailure(t *testing.T) {
	engine := readyEngine()
	extractor := &MockExtractor{}
	store := &MockStore{}
	g := New(engine, extractor, store, Options{})

	_, err := g.Capture(splitImage(16, 16), view.Compute(view.FacingEnvironment, 1.5, view.Pan{X: 0.1}))
	if CodeOf(err) != CodeFaceNotRecognized {
		t.Fatalf("expected %s, got %v", CodeFaceNotRecognized, err)
	}
	if !errors.Is(err, recognition.ErrNoFaceFound) {
		t.Error("extractor error should be wrapped")
	}
	var gerr *Error
	if errors.As(err, &gerr) && gerr.Retry {
		t.Error("descriptor failure is terminal for the attempt")
	}
	if engine.Stopped != 1 {
		t.Error("session should be stopped after a failed extraction")
	}
	if len(store.Saved) != 0 {
		t.Error("failed capture must not be saved")
	}
}

func TestCapture_ZeroDescriptor(t *testing.T) {
	engine := readyEngine()
	extractor := &MockExtractor{
		ExtractDescriptorFunc: func([]byte) (recognition.Descriptor, error) { return recognition.Descriptor{}, nil },
	}
	store := &MockStore{}
	g := New(engine, extractor, store, Options{})

	rec, err := g.Capture(splitImage(16, 16), view.Compute(view.FacingUser, 1, view.Pan{}))
	if CodeOf(err) != CodeFaceNotRecognized {
		t.Fatalf("expected %s, got %v", CodeFaceNotRecognized, err)
	}
	if !errors.Is(err, recognition.ErrNoFaceFound) {
		t.Error("empty descriptor should be reported as no face")
	}
	if rec != nil || len(store.Saved) != 0 {
		t.Error("empty descriptor must not be stored")
	}
}

func TestCapture_StoreFailure(t *testing.T) {
	store := &MockStore{
		SaveCaptureFunc: func(*storage.CaptureRecord) error { return storage.ErrEncryption },
	}
	extractor := &MockExtractor{
		ExtractDescriptorFunc: func([]byte) (recognition.Descriptor, error) { return testDescriptor(), nil },
	}
	g := New(readyEngine(), extractor, store, Options{})

	rec, err := g.Capture(splitImage(8, 8), view.Compute(view.FacingUser, 1, view.Pan{}))
	if CodeOf(err) != CodeStorage {
		t.Fatalf("expected %s, got %v", CodeStorage, err)
	}
	if !errors.Is(err, storage.ErrEncryption) {
		t.Error("store error should be wrapped")
	}
	if rec == nil {
		t.Error("record should still be returned")
	}
}

func TestCapture_NilImage(t *testing.T) {
	g := New(readyEngine(), &MockExtractor{}, nil, Options{})
	if _, err := g.Capture(nil, view.Transform{Zoom: 1}); CodeOf(err) != CodeCamera {
		t.Errorf("expected %s, got %v", CodeCamera, err)
	}
}

func TestGate_Retry(t *testing.T) {
	tests := []struct {
		name       string
		sessionID  string
		wantStarts int
		wantResets int
	}{
		{name: "running session is reset", sessionID: "session-1", wantResets: 1},
		{name: "idle engine starts", sessionID: "", wantStarts: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			starts, resets := 0, 0
			engine := &MockEngine{
				StartFunc:     func() uint64 { starts++; return 2 },
				ResetFunc:     func() { resets++ },
				SessionIDFunc: func() string { return tt.sessionID },
			}
			g := New(engine, &MockExtractor{}, nil, Options{})

			g.Retry()
			if starts != tt.wantStarts || resets != tt.wantResets {
				t.Errorf("starts=%d resets=%d, want %d and %d", starts, resets, tt.wantStarts, tt.wantResets)
			}
			if engine.Stopped != 0 {
				t.Error("retry must not stop the engine")
			}
		})
	}
}

func TestWaitForLiveness(t *testing.T) {
	progress := []liveness.State{
		{FaceDetected: true},
		{FaceDetected: true, Movement: liveness.CheckProgress{Verified: true, Count: 5}},
		{FaceDetected: true, Movement: liveness.CheckProgress{Verified: true, Count: 5}, Blink: liveness.CheckProgress{Verified: true, Count: 2}},
		{FaceDetected: true},
	}

	t.Run("Verified", func(t *testing.T) {
		delivered := 0
		engine := &MockEngine{
			RunFunc: func(ctx context.Context, src liveness.FrameSource, onState func(liveness.State) bool) error {
				for _, s := range progress {
					delivered++
					if !onState(s) {
						return nil
					}
				}
				return nil
			},
		}
		seen := 0
		g := New(engine, &MockExtractor{}, nil, Options{
			Timeout: time.Second,
			OnState: func(liveness.State) { seen++ },
		})

		state, err := g.WaitForLiveness(context.Background(), nil)
		if err != nil {
			t.Fatalf("WaitForLiveness failed: %v", err)
		}
		if !state.Ready() {
			t.Error("expected ready state")
		}
		if delivered != 3 || seen != 3 {
			t.Errorf("expected to stop at the ready state, delivered=%d seen=%d", delivered, seen)
		}
	})

	t.Run("Timeout", func(t *testing.T) {
		engine := &MockEngine{
			RunFunc: func(ctx context.Context, src liveness.FrameSource, onState func(liveness.State) bool) error {
				onState(progress[1])
				<-ctx.Done()
				return ctx.Err()
			},
		}
		g := New(engine, &MockExtractor{}, nil, Options{Timeout: 20 * time.Millisecond})

		start := time.Now()
		_, err := g.WaitForLiveness(context.Background(), nil)
		if CodeOf(err) != CodeTimeout {
			t.Fatalf("expected %s, got %v", CodeTimeout, err)
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Error("expected deadline to be wrapped")
		}
		if time.Since(start) > time.Second {
			t.Error("timeout not applied")
		}
		var gerr *Error
		if errors.As(err, &gerr) && gerr.Details["movement"] != 5 {
			t.Errorf("expected progress in details, got %v", gerr.Details)
		}
	})

	t.Run("NoSession", func(t *testing.T) {
		engine := &MockEngine{
			RunFunc: func(context.Context, liveness.FrameSource, func(liveness.State) bool) error {
				return liveness.ErrSessionInactive
			},
		}
		g := New(engine, &MockExtractor{}, nil, Options{})
		if _, err := g.WaitForLiveness(context.Background(), nil); CodeOf(err) != CodeSessionEnded {
			t.Errorf("expected %s, got %v", CodeSessionEnded, err)
		}
	})

	t.Run("SourceExhausted", func(t *testing.T) {
		engine := &MockEngine{
			RunFunc: func(ctx context.Context, src liveness.FrameSource, onState func(liveness.State) bool) error {
				onState(progress[0])
				return nil
			},
		}
		g := New(engine, &MockExtractor{}, nil, Options{})
		if _, err := g.WaitForLiveness(context.Background(), nil); CodeOf(err) != CodeSessionEnded {
			t.Errorf("expected %s, got %v", CodeSessionEnded, err)
		}
	})
}

// meshFrame builds a face-mesh frame with both eyes at ear, shifted right by shift.
func meshFrame(ear, shift float64, ts time.Time) *liveness.Frame {
	points := make([]geometry.Point, liveness.FaceMeshLandmarks)
	for i := range points {
		points[i] = geometry.Point{X: 0.5 + shift, Y: 0.6}
	}
	place := func(indices []int, cx float64) {
		h := ear * 0.1
		points[indices[0]] = geometry.Point{X: cx - 0.05 + shift, Y: 0.4}
		points[indices[1]] = geometry.Point{X: cx - 0.02 + shift, Y: 0.4 - h/2}
		points[indices[2]] = geometry.Point{X: cx + 0.02 + shift, Y: 0.4 - h/2}
		points[indices[3]] = geometry.Point{X: cx + 0.05 + shift, Y: 0.4}
		points[indices[4]] = geometry.Point{X: cx + 0.02 + shift, Y: 0.4 + h/2}
		points[indices[5]] = geometry.Point{X: cx - 0.02 + shift, Y: 0.4 + h/2}
	}
	place(liveness.LeftEyeIndices, 0.4)
	place(liveness.RightEyeIndices, 0.6)
	points[61] = geometry.Point{X: 0.45 + shift, Y: 0.75}
	points[291] = geometry.Point{X: 0.55 + shift, Y: 0.75}
	return &liveness.Frame{Points: points, Timestamp: ts}
}

func TestGate_WithEngine(t *testing.T) {
	cfg := liveness.DefaultConfig()
	cfg.Thresholds = liveness.Thresholds{Blink: 1, Movement: 1}
	engine, err := liveness.NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	extractor := &MockExtractor{
		ExtractDescriptorFunc: func([]byte) (recognition.Descriptor, error) { return testDescriptor(), nil },
	}
	g := New(engine, extractor, nil, Options{Profile: "login"})
	defer g.Close()

	g.Begin()
	sessionID := engine.SessionID()

	if _, err := g.Capture(splitImage(8, 8), view.Compute(view.FacingUser, 1, view.Pan{})); CodeOf(err) != CodeNotVerified {
		t.Fatalf("expected capture to be refused, got %v", err)
	}

	epoch := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 12; i++ {
		ear := 0.3
		if i == 7 || i == 8 {
			ear = 0.1
		}
		ts := epoch.Add(time.Duration(i*40) * time.Millisecond)
		if _, err := engine.ProcessFrame(meshFrame(ear, 0.01*float64(i), ts)); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	if !engine.IsReadyToCapture() {
		t.Fatalf("engine should be ready, state %+v", engine.CurrentState())
	}

	rec, err := g.Capture(splitImage(32, 16), view.Compute(view.FacingUser, 1.5, view.Pan{X: 0.1}))
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if rec.SessionID != sessionID {
		t.Errorf("expected session %s, got %s", sessionID, rec.SessionID)
	}
	if rec.BlinkCount != 1 || rec.Zoom != 1.5 {
		t.Errorf("unexpected record: blink=%d zoom=%f", rec.BlinkCount, rec.Zoom)
	}
	if engine.Active() {
		t.Error("engine should be stopped after capture")
	}
	if _, err := g.Capture(splitImage(8, 8), view.Transform{Zoom: 1}); CodeOf(err) != CodeNotVerified {
		t.Error("a second capture needs a new verification")
	}
}

// idleSource never delivers a frame.
type idleSource struct {
	subscribed chan struct{}
}

func (s *idleSource) Subscribe(func(*liveness.Frame)) (func(), <-chan struct{}) {
	close(s.subscribed)
	return func() {}, make(chan struct{})
}

func TestWaitForLiveness_EndedWhileIdle(t *testing.T) {
	tests := []struct {
		name string
		end  func(*Gate, *liveness.Engine)
	}{
		{"stop", func(_ *Gate, e *liveness.Engine) { e.Stop() }},
		{"retry", func(g *Gate, _ *liveness.Engine) { g.Retry() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := liveness.NewEngine(liveness.DefaultConfig())
			if err != nil {
				t.Fatalf("NewEngine failed: %v", err)
			}
			g := New(engine, &MockExtractor{}, nil, Options{Timeout: 5 * time.Second})
			defer g.Close()
			g.Begin()

			src := &idleSource{subscribed: make(chan struct{})}
			errc := make(chan error, 1)
			go func() {
				_, err := g.WaitForLiveness(context.Background(), src)
				errc <- err
			}()

			<-src.subscribed
			tt.end(g, engine)

			select {
			case err := <-errc:
				if CodeOf(err) != CodeSessionEnded {
					t.Errorf("expected %s, got %v", CodeSessionEnded, err)
				}
			case <-time.After(time.Second):
				t.Fatal("WaitForLiveness did not notice the session ended")
			}
		})
	}
}
