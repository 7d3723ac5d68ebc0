package outline

import (
	"image"

	"github.com/disintegration/imaging"
)

// Point is a coordinate in canvas space: x grows right, y grows up, so that
// (0,0) is the bottom-left corner handed to the motion compiler.
type Point struct {
	X, Y float64
}

// Polyline is an ordered run of connected points drawable in one pen stroke.
type Polyline []Point

// Config controls edge extraction.
type Config struct {
	// Threshold is the grayscale cutoff; pixels darker than it are strokes.
	Threshold int
	// BlurSigma applies a Gaussian blur before thresholding; zero disables.
	BlurSigma float64
	// ThinningPasses bounds the Zhang-Suen iterations.
	ThinningPasses int
}

// Extractor converts a raster image into polylines suitable for
// single-stroke pen drawing. Extraction is fully deterministic: pixels are
// scanned row-major and neighbours visited in a fixed order, so identical
// input bytes always produce identical output.
type Extractor struct {
	cfg Config
}

func NewExtractor(cfg Config) *Extractor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 200
	}
	if cfg.ThinningPasses <= 0 {
		cfg.ThinningPasses = 8
	}
	return &Extractor{cfg: cfg}
}

// Extract returns the drawable polylines of an image. A blank or fully
// uniform image yields an empty set and no error.
func (e *Extractor) Extract(img image.Image) []Polyline {
	gray := imaging.Grayscale(img)
	if e.cfg.BlurSigma > 0 {
		gray = imaging.Blur(gray, e.cfg.BlurSigma)
	}

	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil
	}

	mask := make([][]bool, h)
	any := false
	for y := 0; y < h; y++ {
		mask[y] = make([]bool, w)
		for x := 0; x < w; x++ {
			if int(gray.NRGBAAt(b.Min.X+x, b.Min.Y+y).R) < e.cfg.Threshold {
				mask[y][x] = true
				any = true
			}
		}
	}
	if !any {
		return nil
	}

	thin(mask, e.cfg.ThinningPasses)

	var polylines []Polyline
	for {
		start, ok := chooseStart(mask)
		if !ok {
			break
		}
		path := trace(mask, start)
		if len(path) < 2 {
			continue
		}
		poly := make(Polyline, len(path))
		for i, p := range path {
			poly[i] = Point{X: float64(p.X), Y: float64(h - 1 - p.Y)}
		}
		polylines = append(polylines, poly)
	}
	return polylines
}

// neighbourOffsets is the fixed 8-neighbourhood visit order, clockwise from
// straight up in image coordinates.
var neighbourOffsets = [8]image.Point{
	{0, -1}, {1, -1}, {1, 0}, {1, 1}, {0, 1}, {-1, 1}, {-1, 0}, {-1, -1},
}

// thin erodes the mask to a one-pixel-wide skeleton (Zhang-Suen), bounded
// by maxPasses full iterations.
func thin(mask [][]bool, maxPasses int) {
	h := len(mask)
	if h < 3 {
		return
	}
	w := len(mask[0])
	if w < 3 {
		return
	}

	at := func(y, x int) int {
		if mask[y][x] {
			return 1
		}
		return 0
	}
	neighbourhood := func(y, x int) [8]int {
		return [8]int{
			at(y-1, x), at(y-1, x+1), at(y, x+1), at(y+1, x+1),
			at(y+1, x), at(y+1, x-1), at(y, x-1), at(y-1, x-1),
		}
	}

	for pass := 0; pass < maxPasses; pass++ {
		changed := false
		for step := 0; step < 2; step++ {
			var remove []image.Point
			for y := 1; y < h-1; y++ {
				for x := 1; x < w-1; x++ {
					if !mask[y][x] {
						continue
					}
					nb := neighbourhood(y, x)
					total := 0
					transitions := 0
					for i := 0; i < 8; i++ {
						total += nb[i]
						if nb[i] == 0 && nb[(i+1)%8] == 1 {
							transitions++
						}
					}
					if total < 2 || total > 6 || transitions != 1 {
						continue
					}
					if step == 0 {
						if nb[0]*nb[2]*nb[4] != 0 || nb[2]*nb[4]*nb[6] != 0 {
							continue
						}
					} else {
						if nb[0]*nb[2]*nb[6] != 0 || nb[0]*nb[4]*nb[6] != 0 {
							continue
						}
					}
					remove = append(remove, image.Point{X: x, Y: y})
				}
			}
			for _, p := range remove {
				mask[p.Y][p.X] = false
			}
			if len(remove) > 0 {
				changed = true
			}
		}
		if !changed {
			return
		}
	}
}

// chooseStart scans row-major for a remaining skeleton pixel, preferring a
// stroke endpoint (at most one neighbour) so open curves trace end to end.
func chooseStart(mask [][]bool) (image.Point, bool) {
	first := image.Point{X: -1, Y: -1}
	for y := range mask {
		for x := range mask[y] {
			if !mask[y][x] {
				continue
			}
			if first.X < 0 {
				first = image.Point{X: x, Y: y}
			}
			if countNeighbours(mask, x, y) <= 1 {
				return image.Point{X: x, Y: y}, true
			}
		}
	}
	if first.X < 0 {
		return image.Point{}, false
	}
	return first, true
}

func countNeighbours(mask [][]bool, x, y int) int {
	n := 0
	for _, d := range neighbourOffsets {
		ny, nx := y+d.Y, x+d.X
		if ny >= 0 && ny < len(mask) && nx >= 0 && nx < len(mask[0]) && mask[ny][nx] {
			n++
		}
	}
	return n
}

// trace walks the skeleton from start, consuming pixels as it goes, until no
// unvisited neighbour remains.
func trace(mask [][]bool, start image.Point) []image.Point {
	var path []image.Point
	current := start
	for {
		path = append(path, current)
		mask[current.Y][current.X] = false

		next, ok := nextNeighbour(mask, current)
		if !ok {
			return path
		}
		current = next
	}
}

func nextNeighbour(mask [][]bool, p image.Point) (image.Point, bool) {
	for _, d := range neighbourOffsets {
		ny, nx := p.Y+d.Y, p.X+d.X
		if ny >= 0 && ny < len(mask) && nx >= 0 && nx < len(mask[0]) && mask[ny][nx] {
			return image.Point{X: nx, Y: ny}, true
		}
	}
	return image.Point{}, false
}
