package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"os/signal"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/MrCodeEU/sabhapass/pkg/camera"
	"github.com/MrCodeEU/sabhapass/pkg/gate"
	"github.com/MrCodeEU/sabhapass/pkg/geometry"
	"github.com/MrCodeEU/sabhapass/pkg/liveness"
	"github.com/MrCodeEU/sabhapass/pkg/logging"
	"github.com/MrCodeEU/sabhapass/pkg/view"
)

type replayFlags struct {
	speed    float64
	still    string
	zoom     float64
	panX     float64
	panY     float64
	facing   string
	profile  string
	timeout  time.Duration
	attempts int
}

func parseReplayFlags(args []string) (*replayFlags, []string, error) {
	f := &replayFlags{}
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.Float64Var(&f.speed, "speed", 1, "Playback speed; 0 delivers frames back to back")
	fs.StringVar(&f.still, "still", "", "Image to capture once verified")
	fs.Float64Var(&f.zoom, "zoom", 1, "View zoom applied to the capture")
	fs.Float64Var(&f.panX, "pan-x", 0, "Horizontal pan as a fraction of the view")
	fs.Float64Var(&f.panY, "pan-y", 0, "Vertical pan as a fraction of the view")
	fs.StringVar(&f.facing, "facing", "", "Camera facing mode (user or environment)")
	fs.StringVar(&f.profile, "profile", "", "Liveness profile")
	fs.DurationVar(&f.timeout, "timeout", 0, "Override the configured liveness timeout")
	fs.IntVar(&f.attempts, "attempts", 1, "Replay the stream up to this many times until verified")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return f, fs.Args(), nil
}

// viewTransform resolves the view for the capture, starting from the
// configured facing mode and limits.
func (f *replayFlags) viewTransform(facing string) (view.Transform, error) {
	if f.facing != "" {
		facing = f.facing
	}
	mode, err := view.ParseFacingMode(facing)
	if err != nil {
		return view.Transform{}, err
	}
	ctrl := view.NewController(mode, cfg.View.Limits())
	ctrl.SetZoom(f.zoom)
	if ctrl.BeginDrag() {
		ctrl.DragTo(0.5+f.panX, 0.5+f.panY)
		ctrl.EndDrag()
	}
	return ctrl.Snapshot(), nil
}

func cmdReplay(args []string) error {
	flags, rest, err := parseReplayFlags(args)
	if err != nil {
		return err
	}
	if len(rest) < 1 {
		return fmt.Errorf("replay file required\nUsage: %s", commands["replay"].Usage)
	}
	if flags.profile != "" {
		cfg.Liveness.Profile = flags.profile
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	transform, err := flags.viewTransform(cfg.View.FacingMode)
	if err != nil {
		return err
	}
	var still image.Image
	if flags.still != "" {
		if still, err = loadImage(flags.still); err != nil {
			gerr := gate.NewError(gate.CodeCamera, false)
			gerr.Err = err
			return gerr
		}
	}

	var bar *progressbar.ProgressBar
	src, err := camera.OpenReplay(rest[0], camera.ReplayOptions{
		Speed: flags.speed,
		OnDeliver: func(int) {
			if bar != nil {
				_ = bar.Add(1)
			}
		},
	})
	if err != nil {
		gerr := gate.NewError(gate.CodeCamera, false)
		gerr.Err = err
		return gerr
	}

	g, err := newReplayGate(still != nil)
	if err != nil {
		return err
	}
	defer g.Close()
	if flags.timeout > 0 {
		g.SetTimeout(flags.timeout)
	}

	bar = progressbar.NewOptions(src.Len(),
		progressbar.OptionSetDescription("Verifying"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("frames"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionFullWidth(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Fprintf(os.Stderr, "Replaying %d frames from %s (profile %s)\n", src.Len(), rest[0], cfg.Liveness.Profile)
	g.Begin()
	var state liveness.State
	for attempt := 1; ; attempt++ {
		state, err = g.WaitForLiveness(ctx, src)
		_ = bar.Finish()
		fmt.Fprintln(os.Stderr)
		if !retryable(err) || attempt >= flags.attempts || ctx.Err() != nil {
			break
		}
		logging.Infof("Attempt %d of %d failed (%s), replaying", attempt, flags.attempts, gate.CodeOf(err))
		bar.Reset()
		g.Retry()
	}

	printChecks(state)
	if outline, ok := projectedOutline(src.Frames(), transform, cfg.View.Width, cfg.View.Height); ok {
		fmt.Printf("Outline:  centre (%.0f, %.0f), radii %.0fx%.0f in a %dx%d view\n",
			outline.Center.X, outline.Center.Y, outline.RadiusX, outline.RadiusY, cfg.View.Width, cfg.View.Height)
	}
	if err != nil {
		return err
	}
	fmt.Println("Liveness verified.")

	if still == nil {
		return nil
	}

	rec, err := g.Capture(still, transform)
	if err != nil {
		return err
	}
	fmt.Printf("Capture %s stored (%d bytes, zoom %.2f)\n", rec.ID, len(rec.Image), rec.Zoom)
	return nil
}

// newReplayGate builds a gate over a fresh engine. The descriptor extractor
// and store are only needed when a still will be captured.
func newReplayGate(capture bool) (*gate.Gate, error) {
	opts := gate.Options{
		Profile:     cfg.Liveness.Profile,
		Timeout:     cfg.Liveness.TimeoutDuration(),
		JPEGQuality: cfg.Capture.JPEGQuality,
		OnState:     logFeedback(),
	}

	if capture {
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, fmt.Errorf("failed to create directories: %w", err)
		}
		g, _, err := gate.NewFromConfig(cfg)
		if err != nil {
			gerr := gate.NewError(gate.CodeCamera, false)
			gerr.Err = err
			return nil, gerr
		}
		g.SetOnState(opts.OnState)
		return g, nil
	}

	engineCfg, err := cfg.Liveness.EngineConfig()
	if err != nil {
		return nil, err
	}
	engine, err := liveness.NewEngine(engineCfg)
	if err != nil {
		return nil, err
	}
	return gate.New(engine, nil, nil, opts), nil
}

// retryable reports whether err is a gate failure worth another attempt.
func retryable(err error) bool {
	var gerr *gate.Error
	return errors.As(err, &gerr) && gerr.Retry
}

// projectedOutline places the face outline of the first frame with a face
// onto a width by height view under t.
func projectedOutline(frames []*liveness.Frame, t view.Transform, width, height int) (geometry.Ellipse, bool) {
	w, h := float64(width), float64(height)
	for _, f := range frames {
		if f == nil {
			continue
		}
		if e, ok := geometry.FaceOutline(f.Points, w, h); ok {
			return t.ProjectOutline(e, w, h), true
		}
	}
	return geometry.Ellipse{}, false
}

// logFeedback returns a state observer that logs each pass notice once.
func logFeedback() func(liveness.State) {
	var last *liveness.Feedback
	return func(s liveness.State) {
		if s.Feedback == nil || (last != nil && *last == *s.Feedback) {
			return
		}
		fb := *s.Feedback
		last = &fb
		logging.Infof("%s", fb.Message)
	}
}

func printChecks(state liveness.State) {
	mark := func(ok bool) string {
		if ok {
			return "passed"
		}
		return "pending"
	}
	fmt.Printf("Blink:    %s (%d)\n", mark(state.Blink.Verified), state.Blink.Count)
	fmt.Printf("Movement: %s (%d)\n", mark(state.Movement.Verified), state.Movement.Count)
	fmt.Printf("%d of 2 checks passed\n", state.PassedChecks())
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, fmt.Errorf("%s: unsupported image format", path)
		}
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}
