// Package camera provides landmark frame sources for the liveness engine.
// Live capture and landmark detection run outside this module; ReplaySource
// plays back a recorded landmark stream so a session can be reproduced
// without a camera.
package camera

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/MrCodeEU/sabhapass/pkg/geometry"
	"github.com/MrCodeEU/sabhapass/pkg/liveness"
	"github.com/MrCodeEU/sabhapass/pkg/logging"
)

// maxLineSize bounds one recorded frame. A 468-point mesh with depth is
// roughly 40KB of JSON.
const maxLineSize = 1 << 20

// record is one line of a replay file. A missing or null landmarks field
// means no face was detected in that frame.
type record struct {
	TimestampMs int64            `json:"ts_ms"`
	Landmarks   []geometry.Point `json:"landmarks"`
}

// ErrEmptyReplay is returned when a replay contains no frames.
var ErrEmptyReplay = errors.New("replay contains no frames")

// ReplayOptions controls playback.
type ReplayOptions struct {
	// Speed scales the recorded frame spacing. 1 is real time; 0 or less
	// delivers frames back to back, so a slower consumer skips frames.
	Speed float64
	// OnDeliver is called after each frame is handed to the subscriber.
	OnDeliver func(index int)
}

// ReplaySource replays a recorded landmark stream.
type ReplaySource struct {
	frames []*liveness.Frame
	opts   ReplayOptions
}

// ReadReplay parses a JSON-lines landmark recording. Blank lines are skipped.
func ReadReplay(r io.Reader, opts ReplayOptions) (*ReplaySource, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var frames []*liveness.Frame
	line := 0
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}

		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("line %d: invalid frame: %w", line, err)
		}
		if rec.Landmarks == nil {
			frames = append(frames, nil)
			continue
		}
		frames = append(frames, &liveness.Frame{
			Points:    rec.Landmarks,
			Timestamp: time.UnixMilli(rec.TimestampMs).UTC(),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read replay: %w", err)
	}
	if len(frames) == 0 {
		return nil, ErrEmptyReplay
	}

	return &ReplaySource{frames: frames, opts: opts}, nil
}

// OpenReplay reads a replay file from disk.
func OpenReplay(path string, opts ReplayOptions) (*ReplaySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay: %w", err)
	}
	defer f.Close()

	src, err := ReadReplay(f, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	logging.Debugf("Loaded replay %s with %d frames", path, src.Len())
	return src, nil
}

// WriteReplay writes frames in the format ReadReplay accepts. Timestamps are
// stored as Unix milliseconds; a nil frame is written as a frame without a face.
func WriteReplay(w io.Writer, frames []*liveness.Frame) error {
	enc := json.NewEncoder(w)
	var last int64
	for i, f := range frames {
		rec := record{TimestampMs: last}
		if f != nil {
			rec.TimestampMs = f.Timestamp.UnixMilli()
			rec.Landmarks = f.Points
			last = rec.TimestampMs
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to write frame %d: %w", i, err)
		}
	}
	return nil
}

// Len returns the number of recorded frames, including frames without a face.
func (s *ReplaySource) Len() int {
	return len(s.frames)
}

// Frames returns the recorded frames in order. A nil entry is a frame
// without a face.
func (s *ReplaySource) Frames() []*liveness.Frame {
	return s.frames
}

// Subscribe starts playback on a new goroutine. done is closed after the
// last frame or after cancel.
func (s *ReplaySource) Subscribe(fn func(*liveness.Frame)) (func(), <-chan struct{}) {
	stop := make(chan struct{})
	done := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(stop) }) }

	go func() {
		defer close(done)

		var prev time.Time
		for i, f := range s.frames {
			if wait := s.delay(prev, f); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-stop:
					timer.Stop()
					return
				case <-timer.C:
				}
			}

			select {
			case <-stop:
				return
			default:
			}

			fn(f)
			if f != nil {
				prev = f.Timestamp
			}
			if s.opts.OnDeliver != nil {
				s.opts.OnDeliver(i)
			}
		}
	}()

	return cancel, done
}

// delay is the pause before delivering f after a frame stamped prev.
func (s *ReplaySource) delay(prev time.Time, f *liveness.Frame) time.Duration {
	if s.opts.Speed <= 0 || f == nil || prev.IsZero() {
		return 0
	}
	gap := f.Timestamp.Sub(prev)
	if gap <= 0 {
		return 0
	}
	return time.Duration(float64(gap) / s.opts.Speed)
}
