// Package humanize makes synthetic input look operator-shaped. Embed hosts
// fingerprint pointer behaviour before arming their players, so a play
// control is never clicked in place: the cursor travels a curved path with
// uneven step pacing, lands slightly off-centre, and hesitates before the
// button goes down.
package humanize

import (
	"context"
	"math"
	"math/rand"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
)

// Point is a page coordinate.
type Point struct {
	X, Y float64
}

// MouseConfig bounds the randomised parts of a pointer gesture. The whole
// gesture (travel, hover, press) must finish inside the caller's click
// timeout, so the defaults are tuned well under it.
type MouseConfig struct {
	// Path step count range.
	MinSteps int
	MaxSteps int
	// Per-step pause range in milliseconds.
	MinStepDelayMs int
	MaxStepDelayMs int
	// Maximum distance from the target centre at which the press lands.
	ClickOffsetRadius float64
	// Hover range in milliseconds between arriving and pressing.
	HoverMinMs int
	HoverMaxMs int
}

// DefaultMouseConfig keeps the worst-case gesture around 150ms.
func DefaultMouseConfig() MouseConfig {
	return MouseConfig{
		MinSteps:          8,
		MaxSteps:          14,
		MinStepDelayMs:    2,
		MaxStepDelayMs:    5,
		ClickOffsetRadius: 4.0,
		HoverMinMs:        30,
		HoverMaxMs:        80,
	}
}

// Mouse drives a page's pointer through humanised gestures.
type Mouse struct {
	page   *rod.Page
	config MouseConfig
}

// NewMouse returns a pointer controller for the given page.
func NewMouse(page *rod.Page) *Mouse {
	return &Mouse{page: page, config: DefaultMouseConfig()}
}

// MoveTo walks the pointer from its current position to (x, y) along a
// cubic Bezier curve, pausing a few milliseconds between steps. Cancelling
// ctx abandons the walk mid-path.
func (m *Mouse) MoveTo(ctx context.Context, x, y float64) error {
	pos := m.page.Mouse.Position()
	steps := m.config.MinSteps + rand.Intn(m.config.MaxSteps-m.config.MinSteps+1)
	path := bezierPath(Point{X: pos.X, Y: pos.Y}, Point{X: x, Y: y}, steps)

	for _, p := range path {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.page.Mouse.MoveTo(proto.NewPoint(p.X, p.Y)); err != nil {
			return err
		}
		if !sleepWithContext(ctx, RandomDuration(m.config.MinStepDelayMs, m.config.MaxStepDelayMs)) {
			return ctx.Err()
		}
	}
	return nil
}

// Click moves to (x, y) with a random offset inside the click radius,
// hovers briefly and presses the left button once.
func (m *Mouse) Click(ctx context.Context, x, y float64) error {
	tx := x + (rand.Float64()*2-1)*m.config.ClickOffsetRadius
	ty := y + (rand.Float64()*2-1)*m.config.ClickOffsetRadius

	if err := m.MoveTo(ctx, tx, ty); err != nil {
		return err
	}
	if !sleepWithContext(ctx, RandomDuration(m.config.HoverMinMs, m.config.HoverMaxMs)) {
		return ctx.Err()
	}
	if err := m.page.Mouse.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return err
	}

	log.Debug().Float64("x", tx).Float64("y", ty).Msg("humanized click")
	return nil
}

// ClickElement clicks the centre of el's first border quad.
func (m *Mouse) ClickElement(ctx context.Context, el *rod.Element) error {
	shape, err := el.Shape()
	if err != nil {
		return err
	}
	if shape == nil || len(shape.Quads) == 0 {
		return ErrNotVisible
	}

	quad := shape.Quads[0]
	cx := (quad[0] + quad[2] + quad[4] + quad[6]) / 4
	cy := (quad[1] + quad[3] + quad[5] + quad[7]) / 4
	return m.Click(ctx, cx, cy)
}

// bezierPath interpolates n points along a cubic Bezier curve from start to
// end. Control points sit perpendicular to the straight line with random
// offsets, and an ease-in-out curve shapes the pacing so the pointer
// accelerates out of the start and brakes into the target.
func bezierPath(start, end Point, n int) []Point {
	if n < 2 {
		n = 2
	}

	c1, c2 := controlPoints(start, end)

	points := make([]Point, n)
	for i := 0; i < n; i++ {
		t := easeInOutCubic(float64(i) / float64(n-1))
		mt := 1 - t
		points[i] = Point{
			X: mt*mt*mt*start.X + 3*mt*mt*t*c1.X + 3*mt*t*t*c2.X + t*t*t*end.X,
			Y: mt*mt*mt*start.Y + 3*mt*mt*t*c1.Y + 3*mt*t*t*c2.Y + t*t*t*end.Y,
		}
	}
	return points
}

// controlPoints places the two cubic control points a third and two thirds
// of the way along the straight line, each pushed sideways by a random
// fraction of the travel distance.
func controlPoints(start, end Point) (Point, Point) {
	dx := end.X - start.X
	dy := end.Y - start.Y
	dist := math.Sqrt(dx*dx + dy*dy)

	perpX, perpY := 0.0, 0.0
	if dist > 0 {
		perpX = -dy / dist
		perpY = dx / dist
	}

	off1 := dist * (0.2 + rand.Float64()*0.3) * randSign()
	off2 := dist * (0.2 + rand.Float64()*0.3) * randSign()

	c1 := Point{X: start.X + dx*0.33 + perpX*off1, Y: start.Y + dy*0.33 + perpY*off1}
	c2 := Point{X: start.X + dx*0.67 + perpX*off2, Y: start.Y + dy*0.67 + perpY*off2}
	return c1, c2
}

func randSign() float64 {
	if rand.Float64() < 0.5 {
		return -1
	}
	return 1
}

// easeInOutCubic maps linear progress to slow-fast-slow progress.
func easeInOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	return 1 - math.Pow(-2*t+2, 3)/2
}
