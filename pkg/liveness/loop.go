package liveness

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// FrameSource delivers landmark frames at the capture cadence of the device.
// Subscribe registers fn for every frame; a nil frame means no face. done is
// closed once the source has no more frames. cancel stops delivery.
type FrameSource interface {
	Subscribe(fn func(*Frame)) (cancel func(), done <-chan struct{})
}

// mailbox holds at most one pending frame. A newer frame replaces an
// unprocessed older one, so a slow consumer skips frames instead of queuing.
type mailbox struct {
	mu      sync.Mutex
	frame   *Frame
	pending bool
	dropped int
	signal  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) put(f *Frame) {
	m.mu.Lock()
	if m.pending {
		m.dropped++
	}
	m.frame = f
	m.pending = true
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() (*Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.pending {
		return nil, false
	}
	f := m.frame
	m.frame = nil
	m.pending = false
	return f, true
}

func (m *mailbox) droppedFrames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Run consumes frames from src for the current session until ctx is done,
// the source is exhausted, the session is reset or stopped, or onState
// returns false. A reset or stop ends Run without waiting for another frame.
// onState may be nil.
//
// Run returns ErrSessionInactive when no session is running, ctx.Err() on
// cancellation and nil otherwise. Per-frame problems are absorbed.
func (e *Engine) Run(ctx context.Context, src FrameSource, onState func(State) bool) error {
	e.mu.Lock()
	generation, active, ended := e.generation, e.active, e.ended
	e.mu.Unlock()
	if !active {
		return ErrSessionInactive
	}

	box := newMailbox()
	cancel, done := src.Subscribe(box.put)
	defer cancel()

	processed := 0
	defer func() {
		e.log.WithFields(logrus.Fields{
			"processed": processed,
			"dropped":   box.droppedFrames(),
		}).Debug("Frame loop finished")
	}()

	// step processes the pending frame, if any, and reports whether to keep going.
	step := func() bool {
		f, ok := box.take()
		if !ok {
			return true
		}
		state, err := e.ProcessFrameFor(generation, f)
		switch {
		case errors.Is(err, ErrSessionInactive), errors.Is(err, ErrStaleSession):
			return false
		case err != nil:
			e.log.WithError(err).Debug("Frame declined")
			return true
		}
		processed++
		if onState != nil && !onState(state) {
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ended:
			return nil
		case <-box.signal:
			if !step() {
				return nil
			}
		case <-done:
			step()
			return nil
		}
	}
}
