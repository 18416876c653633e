package liveness

import "time"

// Verifier accumulates per-frame check events into progress. A check that
// has passed stays passed until Reset.
type Verifier struct {
	thresholds   Thresholds
	feedbackFor  time.Duration
	faceDetected bool
	blink        CheckProgress
	movement     CheckProgress
	feedback     *Feedback
}

// NewVerifier creates a verifier with zero progress.
func NewVerifier(thresholds Thresholds, feedbackFor time.Duration) *Verifier {
	return &Verifier{thresholds: thresholds, feedbackFor: feedbackFor}
}

// SetFaceDetected records whether the current frame had a usable face.
// It never touches the counts.
func (v *Verifier) SetFaceDetected(detected bool) {
	v.faceDetected = detected
}

// Update applies one frame's events and returns the resulting snapshot
// together with the checks that passed on this update.
func (v *Verifier) Update(blink, movement bool, now time.Time) (State, []Check) {
	var passed []Check
	if advance(&v.blink, blink, v.thresholds.Blink) {
		passed = append(passed, CheckBlink)
	}
	if advance(&v.movement, movement, v.thresholds.Movement) {
		passed = append(passed, CheckMovement)
	}
	for _, c := range passed {
		v.feedback = &Feedback{
			Check:     c,
			Message:   c.Message(),
			ExpiresAt: now.Add(v.feedbackFor),
		}
	}
	return v.Snapshot(now), passed
}

// advance counts one event against a check and reports whether the check
// passed on this event.
func advance(p *CheckProgress, event bool, threshold int) bool {
	if p.Verified || !event {
		return false
	}
	p.Count++
	if p.Count >= threshold {
		p.Verified = true
		return true
	}
	return false
}

// Snapshot returns a copy of the state as of now. Expired feedback is dropped.
func (v *Verifier) Snapshot(now time.Time) State {
	s := State{
		FaceDetected: v.faceDetected,
		Blink:        v.blink,
		Movement:     v.movement,
	}
	if v.feedback != nil && now.Before(v.feedback.ExpiresAt) {
		fb := *v.feedback
		s.Feedback = &fb
	}
	return s
}

// Reset zeroes all progress.
func (v *Verifier) Reset() {
	v.faceDetected = false
	v.blink = CheckProgress{}
	v.movement = CheckProgress{}
	v.feedback = nil
}
