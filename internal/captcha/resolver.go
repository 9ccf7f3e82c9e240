package captcha

import (
	"math"
	"strconv"
	"strings"
)

// InvalidSlot is returned when a click falls outside the image
const InvalidSlot = -1

// ResolveClick maps a click on the rendered image to a slot index.
// Coordinates are relative to the widget, whose rendered width may differ from ImageWidth.
func ResolveClick(x, y, width, iconCount int) int {
	if width <= 0 || iconCount <= 0 {
		return InvalidSlot
	}
	if x < 0 || x > width || y < 0 || y > ImageHeight {
		return InvalidSlot
	}

	slotWidth := float64(width) / float64(iconCount)
	index := int(math.Floor(float64(x) / slotWidth))

	// x == width lands on the closing edge of the last slot
	if index >= iconCount {
		index = iconCount - 1
	}

	return index
}

// ParseSelection parses an "x,y,width" selection field
func ParseSelection(selection string) (x, y, width int, ok bool) {
	parts := strings.Split(selection, ",")
	if len(parts) != 3 {
		return 0, 0, 0, false
	}

	values := make([]int, 3)
	for i, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return 0, 0, 0, false
		}
		values[i] = v
	}

	return values[0], values[1], values[2], true
}
