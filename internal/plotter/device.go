package plotter

import (
	"fmt"

	"photo-plotter/internal/motion"
)

// Pen actuation lines understood by the plotter firmware. Whether the servo
// command lowers or lifts the pen depends on how the pen arm is mounted, so
// Z inversion is applied here and nowhere else; everything upstream reasons
// in pen-up/pen-down terms only.
const (
	penEngageLine  = "M3 S90"
	penReleaseLine = "M5"
)

// deviceLine lowers a motion command to the wire format sent to the device.
func deviceLine(c motion.Command, invertZ bool) string {
	down, up := penEngageLine, penReleaseLine
	if invertZ {
		down, up = up, down
	}
	switch c.Op {
	case motion.OpMoveTo:
		return fmt.Sprintf("G0 X%.2f Y%.2f", c.X, c.Y)
	case motion.OpDrawTo:
		return fmt.Sprintf("G1 X%.2f Y%.2f", c.X, c.Y)
	case motion.OpPenDown:
		return down
	case motion.OpPenUp:
		return up
	case motion.OpSetFeed:
		return fmt.Sprintf("F%d", c.Feed)
	default:
		return ""
	}
}
