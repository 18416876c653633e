package view

import (
	"math"
	"sync"

	"github.com/MrCodeEU/sabhapass/pkg/geometry"
)

// Limits bounds the zoom controls.
type Limits struct {
	MaxZoom  float64 `yaml:"max_zoom"`
	ZoomStep float64 `yaml:"zoom_step"`
}

// DefaultLimits allows up to 2x in steps of 0.1.
func DefaultLimits() Limits {
	return Limits{MaxZoom: 2, ZoomStep: 0.1}
}

func (l Limits) sanitize() Limits {
	d := DefaultLimits()
	if math.IsNaN(l.MaxZoom) || l.MaxZoom < MinZoom {
		l.MaxZoom = d.MaxZoom
	}
	if math.IsNaN(l.ZoomStep) || l.ZoomStep <= 0 {
		l.ZoomStep = d.ZoomStep
	}
	return l
}

// Controller holds the interactive zoom and pan state of one view. It is
// safe for concurrent use and independent of the liveness engine.
type Controller struct {
	mu       sync.Mutex
	limits   Limits
	facing   FacingMode
	zoom     float64
	pan      Pan
	dragging bool
}

// NewController returns an unzoomed controller. Invalid limits fall back to
// DefaultLimits.
func NewController(facing FacingMode, limits Limits) *Controller {
	return &Controller{
		limits: limits.sanitize(),
		facing: facing,
		zoom:   MinZoom,
	}
}

// Snapshot returns the current transform.
func (c *Controller) Snapshot() Transform {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transformLocked()
}

func (c *Controller) transformLocked() Transform {
	return Compute(c.facing, c.zoom, c.pan)
}

// SetFacing switches camera. Zoom and pan are kept.
func (c *Controller) SetFacing(facing FacingMode) Transform {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.facing = facing
	return c.transformLocked()
}

// ZoomIn raises zoom by one step, up to the limit.
func (c *Controller) ZoomIn() Transform {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setZoomLocked(c.zoom + c.limits.ZoomStep)
}

// ZoomOut lowers zoom by one step, down to 1.
func (c *Controller) ZoomOut() Transform {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setZoomLocked(c.zoom - c.limits.ZoomStep)
}

// SetZoom sets zoom directly, as a slider does.
func (c *Controller) SetZoom(zoom float64) Transform {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setZoomLocked(zoom)
}

func (c *Controller) setZoomLocked(zoom float64) Transform {
	if math.IsNaN(zoom) {
		zoom = MinZoom
	}
	// Rounding keeps repeated steps from drifting off the step grid.
	zoom = math.Round(zoom*1e6) / 1e6
	c.zoom = geometry.Clamp(zoom, MinZoom, c.limits.MaxZoom)
	c.pan = ClampPan(c.zoom, c.pan)
	if c.zoom <= MinZoom {
		c.dragging = false
	}
	return c.transformLocked()
}

// BeginDrag starts a pan gesture. It returns false, and nothing changes,
// when the view is not zoomed.
func (c *Controller) BeginDrag() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.zoom <= MinZoom {
		return false
	}
	c.dragging = true
	return true
}

// DragTo pans so the pointer at (x, y), given as a fraction of the view and
// clamped to [0,1], is offset from the centre. Outside a drag it is a no-op.
func (c *Controller) DragTo(x, y float64) Transform {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dragging || c.zoom <= MinZoom {
		return c.transformLocked()
	}
	c.pan = ClampPan(c.zoom, Pan{
		X: geometry.Clamp(x, 0, 1) - 0.5,
		Y: geometry.Clamp(y, 0, 1) - 0.5,
	})
	return c.transformLocked()
}

// EndDrag ends the gesture and freezes the pan.
func (c *Controller) EndDrag() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dragging = false
}

// Dragging reports whether a pan gesture is active.
func (c *Controller) Dragging() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dragging
}

// Reset returns to zoom 1 and no pan, as on a camera restart.
func (c *Controller) Reset() Transform {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.zoom = MinZoom
	c.pan = Pan{}
	c.dragging = false
	return c.transformLocked()
}
