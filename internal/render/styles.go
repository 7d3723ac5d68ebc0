package render

import "sort"

// Style names a prompt preset that steers the image model toward
// output the outline extractor can work with: high contrast, thin
// strokes, plain background.
type Style string

const (
	StyleLine      Style = "line"
	StyleMinimal   Style = "minimal"
	StyleGeometric Style = "geometric"
	StyleSketch    Style = "sketch"
)

var stylePrompts = map[Style]string{
	StyleLine:      "a continuous single-line drawing, one unbroken black stroke on a plain white background, no shading, no fill",
	StyleMinimal:   "a minimalist black ink drawing with very few thin strokes on a plain white background, no shading",
	StyleGeometric: "a drawing made only of straight black line segments and simple polygons on a plain white background, no curves, no fill",
	StyleSketch:    "a loose black pen sketch with thin open strokes on a plain white background, no cross-hatching, no fill",
}

// DefaultStyle is applied when a submission does not name one.
const DefaultStyle = StyleLine

// ValidStyle reports whether name maps to a known preset.
func ValidStyle(name string) bool {
	_, ok := stylePrompts[Style(name)]
	return ok
}

// StyleNames returns the available preset names in sorted order.
func StyleNames() []string {
	names := make([]string, 0, len(stylePrompts))
	for s := range stylePrompts {
		names = append(names, string(s))
	}
	sort.Strings(names)
	return names
}

// PromptFor combines a preset with the subject description. An unknown
// style falls back to the default preset.
func PromptFor(style Style, subject string) string {
	preset, ok := stylePrompts[style]
	if !ok {
		preset = stylePrompts[DefaultStyle]
	}
	if subject == "" {
		return preset
	}
	return subject + ", rendered as " + preset
}
