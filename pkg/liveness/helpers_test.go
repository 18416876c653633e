package liveness

import (
	"sync"
	"time"

	"github.com/MrCodeEU/sabhapass/pkg/geometry"
)

const (
	openEAR   = 0.3
	closedEAR = 0.1
	eyeWidth  = 0.1
)

var epoch = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

// at returns epoch plus ms milliseconds.
func at(ms int) time.Time {
	return epoch.Add(time.Duration(ms) * time.Millisecond)
}

// placeEye lays out six eye points around (cx, cy) so the eye has the given EAR.
func placeEye(points []geometry.Point, indices []int, cx, cy, ear float64) {
	h := ear * eyeWidth
	points[indices[0]] = geometry.Point{X: cx - eyeWidth/2, Y: cy}
	points[indices[1]] = geometry.Point{X: cx - 0.02, Y: cy - h/2}
	points[indices[2]] = geometry.Point{X: cx + 0.02, Y: cy - h/2}
	points[indices[3]] = geometry.Point{X: cx + eyeWidth/2, Y: cy}
	points[indices[4]] = geometry.Point{X: cx + 0.02, Y: cy + h/2}
	points[indices[5]] = geometry.Point{X: cx - 0.02, Y: cy + h/2}
}

// face builds a full face-mesh frame with both eyes at ear, every point
// shifted right by shift.
func face(ear, shift float64, ts time.Time) *Frame {
	points := make([]geometry.Point, FaceMeshLandmarks)
	for i := range points {
		points[i] = geometry.Point{X: 0.5, Y: 0.6}
	}
	placeEye(points, LeftEyeIndices, 0.4, 0.4, ear)
	placeEye(points, RightEyeIndices, 0.6, 0.4, ear)
	points[61] = geometry.Point{X: 0.45, Y: 0.75}
	points[291] = geometry.Point{X: 0.55, Y: 0.75}
	for i := range points {
		points[i].X += shift
	}
	return &Frame{Points: points, Timestamp: ts}
}

// moveOnly returns a copy of f with only the given indices shifted by dx.
func moveOnly(f *Frame, dx float64, ts time.Time, indices ...int) *Frame {
	points := append([]geometry.Point(nil), f.Points...)
	for _, idx := range indices {
		points[idx].X += dx
	}
	return &Frame{Points: points, Timestamp: ts}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// manualSource hands frames to the subscriber when the test calls push.
type manualSource struct {
	fn         func(*Frame)
	subscribed chan struct{}
	done       chan struct{}
	cancelled  chan struct{}
	once       sync.Once
}

func newManualSource() *manualSource {
	return &manualSource{
		subscribed: make(chan struct{}),
		done:       make(chan struct{}),
		cancelled:  make(chan struct{}),
	}
}

func (s *manualSource) Subscribe(fn func(*Frame)) (func(), <-chan struct{}) {
	s.fn = fn
	close(s.subscribed)
	return func() { s.once.Do(func() { close(s.cancelled) }) }, s.done
}

func (s *manualSource) push(f *Frame) {
	<-s.subscribed
	s.fn(f)
}
