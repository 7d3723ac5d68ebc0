package motion

import (
	"fmt"
	"math"

	"photo-plotter/internal/outline"
)

// CompilationError reports malformed geometry or configuration that prevents
// producing a motion program. It marks the owning job failed.
type CompilationError struct {
	Reason string
}

func (e *CompilationError) Error() string {
	return "compile motion program: " + e.Reason
}

// Transform maps canvas pixel coordinates onto plotter bed millimetres with
// a linear scale and offset. It is a bijection on the canvas: (0,0) maps to
// the bed origin and (canvas,canvas) to the bed maximum, exactly.
type Transform struct {
	canvas                 float64
	minX, minY, maxX, maxY float64
}

func NewTransform(canvasSize int, minX, minY, maxX, maxY float64) (Transform, error) {
	if canvasSize <= 0 {
		return Transform{}, &CompilationError{Reason: fmt.Sprintf("invalid canvas size %d", canvasSize)}
	}
	if maxX <= minX || maxY <= minY {
		return Transform{}, &CompilationError{Reason: fmt.Sprintf("invalid bed extents [%g,%g]x[%g,%g]", minX, maxX, minY, maxY)}
	}
	return Transform{
		canvas: float64(canvasSize),
		minX:   minX, minY: minY, maxX: maxX, maxY: maxY,
	}, nil
}

// Apply converts a canvas point to bed coordinates. Multiply before divide:
// the identity mapping then carries interior points through without rounding
// drift.
func (t Transform) Apply(p outline.Point) (float64, float64) {
	x := t.minX + p.X*(t.maxX-t.minX)/t.canvas
	y := t.minY + p.Y*(t.maxY-t.minY)/t.canvas
	return x, y
}

// Invert converts bed coordinates back to a canvas point.
func (t Transform) Invert(x, y float64) outline.Point {
	return outline.Point{
		X: (x - t.minX) * t.canvas / (t.maxX - t.minX),
		Y: (y - t.minY) * t.canvas / (t.maxY - t.minY),
	}
}

// CompilerConfig controls polyline-to-program compilation.
type CompilerConfig struct {
	CanvasSize int
	BedMinX    float64
	BedMinY    float64
	BedMaxX    float64
	BedMaxY    float64
	FeedRate   int

	// SimplifyTolerance is the RDP epsilon in mm; zero disables.
	SimplifyTolerance float64
	// SmoothingIterations rounds corners with Chaikin cutting after
	// simplification; zero disables.
	SmoothingIterations int
	// MinMoveMM drops intermediate points closer than this; zero disables.
	MinMoveMM float64
}

// Compiler turns image-space polylines into an ordered, deterministic motion
// program in bed coordinates.
type Compiler struct {
	cfg CompilerConfig
	tf  Transform
}

func NewCompiler(cfg CompilerConfig) (*Compiler, error) {
	tf, err := NewTransform(cfg.CanvasSize, cfg.BedMinX, cfg.BedMinY, cfg.BedMaxX, cfg.BedMaxY)
	if err != nil {
		return nil, err
	}
	if cfg.FeedRate <= 0 {
		return nil, &CompilationError{Reason: fmt.Sprintf("invalid feed rate %d", cfg.FeedRate)}
	}
	return &Compiler{cfg: cfg, tf: tf}, nil
}

// Transform exposes the canvas-to-bed mapping used by this compiler.
func (c *Compiler) Transform() Transform {
	return c.tf
}

type stroke struct {
	index  int
	points []outline.Point // bed coordinates
}

// Compile maps polylines onto the bed, simplifies them, and orders strokes
// with a nearest-unvisited heuristic (ties broken by lowest original index).
// An empty polyline set compiles to a program holding only a home move.
func (c *Compiler) Compile(polylines []outline.Polyline) (*Program, error) {
	strokes := make([]stroke, 0, len(polylines))
	for i, poly := range polylines {
		pts := make([]outline.Point, 0, len(poly))
		for _, p := range poly {
			if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
				return nil, &CompilationError{Reason: fmt.Sprintf("non-finite point in polyline %d", i)}
			}
			x, y := c.tf.Apply(p)
			pts = append(pts, outline.Point{X: x, Y: y})
		}
		if c.cfg.SimplifyTolerance > 0 {
			pts = simplifyRDP(pts, c.cfg.SimplifyTolerance)
		}
		if c.cfg.SmoothingIterations > 0 {
			pts = smoothChaikin(pts, c.cfg.SmoothingIterations)
		}
		if c.cfg.MinMoveMM > 0 {
			pts = filterMinMove(pts, c.cfg.MinMoveMM)
		}
		if len(pts) < 2 {
			continue
		}
		strokes = append(strokes, stroke{index: i, points: pts})
	}

	program := &Program{}
	if len(strokes) == 0 {
		program.Commands = append(program.Commands, PenUp(), MoveTo(c.cfg.BedMinX, c.cfg.BedMinY))
		return program, nil
	}

	ordered := orderStrokes(strokes, outline.Point{X: c.cfg.BedMinX, Y: c.cfg.BedMinY})

	program.Commands = append(program.Commands, SetFeed(c.cfg.FeedRate), PenUp())
	for _, s := range ordered {
		first := s.points[0]
		program.Commands = append(program.Commands, MoveTo(first.X, first.Y), PenDown())
		for _, p := range s.points[1:] {
			program.Commands = append(program.Commands, DrawTo(p.X, p.Y))
		}
		program.Commands = append(program.Commands, PenUp())
	}
	program.Commands = append(program.Commands, MoveTo(c.cfg.BedMinX, c.cfg.BedMinY))
	return program, nil
}

// orderStrokes greedily picks the unvisited stroke whose start is nearest to
// the pen's current position. Ties go to the lowest original polyline index,
// keeping the ordering deterministic for identical input.
func orderStrokes(strokes []stroke, home outline.Point) []stroke {
	remaining := make([]stroke, len(strokes))
	copy(remaining, strokes)

	ordered := make([]stroke, 0, len(strokes))
	current := home
	for len(remaining) > 0 {
		best := 0
		bestDist := math.Inf(1)
		for i, s := range remaining {
			d := dist(current, s.points[0])
			if d < bestDist || (d == bestDist && s.index < remaining[best].index) {
				best = i
				bestDist = d
			}
		}
		chosen := remaining[best]
		ordered = append(ordered, chosen)
		current = chosen.points[len(chosen.points)-1]
		remaining = append(remaining[:best], remaining[best+1:]...)
	}
	return ordered
}

func dist(a, b outline.Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// simplifyRDP reduces a jagged point run to its significant vertices
// (Ramer-Douglas-Peucker).
func simplifyRDP(points []outline.Point, epsilon float64) []outline.Point {
	if len(points) < 3 {
		return points
	}

	end := len(points) - 1
	a, b := points[0], points[end]
	dx, dy := b.X-a.X, b.Y-a.Y
	lineLenSq := dx*dx + dy*dy

	maxDist := 0.0
	maxIdx := 0
	for i := 1; i < end; i++ {
		p := points[i]
		var d float64
		if lineLenSq == 0 {
			d = dist(p, a)
		} else {
			d = math.Abs(dy*p.X-dx*p.Y+b.X*a.Y-b.Y*a.X) / math.Sqrt(lineLenSq)
		}
		if d > maxDist {
			maxDist = d
			maxIdx = i
		}
	}

	if maxDist <= epsilon {
		return []outline.Point{a, b}
	}
	left := simplifyRDP(points[:maxIdx+1], epsilon)
	right := simplifyRDP(points[maxIdx:], epsilon)
	// left can alias the input slice; copy into a fresh slice before joining.
	out := make([]outline.Point, 0, len(left)+len(right)-1)
	out = append(out, left[:len(left)-1]...)
	return append(out, right...)
}

// smoothChaikin rounds corners by cutting each segment at 25% and 75%
// (Chaikin's algorithm). Endpoints are preserved so strokes still start and
// end where they were traced.
func smoothChaikin(points []outline.Point, iterations int) []outline.Point {
	if len(points) < 3 || iterations < 1 {
		return points
	}
	current := points
	for it := 0; it < iterations; it++ {
		next := make([]outline.Point, 0, 2*len(current))
		next = append(next, current[0])
		for i := 0; i < len(current)-1; i++ {
			p, q := current[i], current[i+1]
			next = append(next,
				outline.Point{X: 0.75*p.X + 0.25*q.X, Y: 0.75*p.Y + 0.25*q.Y},
				outline.Point{X: 0.25*p.X + 0.75*q.X, Y: 0.25*p.Y + 0.75*q.Y},
			)
		}
		next = append(next, current[len(current)-1])
		current = next
	}
	return current
}

// filterMinMove drops intermediate points closer than minDist to the last
// kept point, always preserving the final point.
func filterMinMove(points []outline.Point, minDist float64) []outline.Point {
	if len(points) == 0 {
		return points
	}
	kept := []outline.Point{points[0]}
	last := points[0]
	for _, p := range points[1:] {
		if dist(p, last) < minDist {
			continue
		}
		kept = append(kept, p)
		last = p
	}
	final := points[len(points)-1]
	if kept[len(kept)-1] != final {
		kept = append(kept, final)
	}
	return kept
}
