package mixer

import (
	"fmt"
	"math"
	"strings"
)

// Layout selects how sources are arranged on the canvas.
type Layout int

const (
	// LayoutGrid tiles every source in a ceil(sqrt(n)) square grid.
	LayoutGrid Layout = iota
	// LayoutOneBig shows only the active source, or the first one.
	LayoutOneBig
	// LayoutOneBigWithSmall shows the active source large under a row of
	// small previews of the others.
	LayoutOneBigWithSmall
)

// String returns the configuration name of the layout.
func (l Layout) String() string {
	switch l {
	case LayoutGrid:
		return "grid"
	case LayoutOneBig:
		return "one_big"
	case LayoutOneBigWithSmall:
		return "one_big_with_small"
	}
	return fmt.Sprintf("Layout(%d)", int(l))
}

// ParseLayout parses a layout name as used in configuration files.
func ParseLayout(name string) (Layout, error) {
	switch strings.ToLower(name) {
	case "grid", "":
		return LayoutGrid, nil
	case "one_big":
		return LayoutOneBig, nil
	case "one_big_with_small":
		return LayoutOneBigWithSmall, nil
	}
	return LayoutGrid, fmt.Errorf("unknown mixer layout %q", name)
}

// Rect is a cell of the canvas.
type Rect struct {
	X, Y, W, H int
}

// Empty reports whether the cell has no area.
func (r Rect) Empty() bool { return r.W <= 0 || r.H <= 0 }

// cellRect returns the cell of the source drawn at position index among n
// sources on a width x height canvas.
func cellRect(layout Layout, n, index, width, height int) Rect {
	if layout == LayoutOneBig {
		n = 1
	}
	if n < 1 {
		n = 1
	}
	zoom := int(math.Ceil(math.Sqrt(float64(n))))
	if layout == LayoutOneBigWithSmall {
		zoom = max(6, n)
	}

	var r Rect
	if layout == LayoutOneBigWithSmall && index == 0 {
		r.W = width
		r.H = height - height/zoom
	} else {
		r.W = width / zoom
		r.H = height / zoom
	}

	if layout == LayoutOneBigWithSmall {
		if index == 0 {
			r.Y = height / zoom
		} else {
			r.X = (index-1)*r.W + (width-(n-1)*r.W)/2
		}
		return r
	}
	r.X = (index % zoom) * r.W
	r.Y = (index / zoom) * r.H
	return r
}
