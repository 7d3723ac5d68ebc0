package motion

import (
	"fmt"
	"math"
	"strings"
)

// Op enumerates motion command kinds.
type Op uint8

const (
	OpMoveTo Op = iota
	OpDrawTo
	OpPenUp
	OpPenDown
	OpSetFeed
)

// Command is one typed plotter instruction in bed coordinates (mm).
// Pen state is expressed only as PenUp/PenDown here; mapping to physical Z
// values happens when commands are lowered to device lines.
type Command struct {
	Op   Op
	X, Y float64
	Feed int
}

func MoveTo(x, y float64) Command { return Command{Op: OpMoveTo, X: x, Y: y} }
func DrawTo(x, y float64) Command { return Command{Op: OpDrawTo, X: x, Y: y} }
func PenUp() Command              { return Command{Op: OpPenUp} }
func PenDown() Command            { return Command{Op: OpPenDown} }
func SetFeed(rate int) Command    { return Command{Op: OpSetFeed, Feed: rate} }

// String renders the canonical one-line text form used for stored program
// artifacts.
func (c Command) String() string {
	switch c.Op {
	case OpMoveTo:
		return fmt.Sprintf("MOVE X%.2f Y%.2f", c.X, c.Y)
	case OpDrawTo:
		return fmt.Sprintf("DRAW X%.2f Y%.2f", c.X, c.Y)
	case OpPenUp:
		return "PENUP"
	case OpPenDown:
		return "PENDOWN"
	case OpSetFeed:
		return fmt.Sprintf("FEED %d", c.Feed)
	default:
		return fmt.Sprintf("UNKNOWN(%d)", c.Op)
	}
}

// Program is an ordered sequence of motion commands, produced once per print
// attempt and stored as an immutable artifact.
type Program struct {
	Commands []Command
}

// EncodeText serializes the program one command per line, in emission order.
func (p *Program) EncodeText() []byte {
	var b strings.Builder
	for _, c := range p.Commands {
		b.WriteString(c.String())
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// DrawLength returns the total pen-down travel in mm, tracking the pen
// position across both travel and draw moves.
func (p *Program) DrawLength() float64 {
	var total float64
	var x, y float64
	for _, c := range p.Commands {
		switch c.Op {
		case OpMoveTo:
			x, y = c.X, c.Y
		case OpDrawTo:
			total += math.Hypot(c.X-x, c.Y-y)
			x, y = c.X, c.Y
		}
	}
	return total
}

// DrawCount returns the number of DrawTo commands.
func (p *Program) DrawCount() int {
	n := 0
	for _, c := range p.Commands {
		if c.Op == OpDrawTo {
			n++
		}
	}
	return n
}

// EstimatedSeconds divides pen-down travel by the feed rate (mm/min).
// Advisory only; acceleration and pen actuation are ignored.
func (p *Program) EstimatedSeconds(feedRate int) float64 {
	if feedRate <= 0 {
		return 0
	}
	return p.DrawLength() / float64(feedRate) * 60
}
