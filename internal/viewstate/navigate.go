package viewstate

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ChuLiYu/tilerender/pkg/types"
)

// IterationFactor scales the iteration cap for More and Fewer.
const IterationFactor = 1.5

// Viewport is the surface size navigation is measured against.
type Viewport struct {
	Width  int
	Height int
}

// Action transforms a view for a viewport.
type Action func(v types.ViewState, vp Viewport) types.ViewState

// Reset returns to the initial view for the viewport.
func Reset(_ types.ViewState, vp Viewport) types.ViewState {
	return Initial(vp.Height)
}

// MoreIterations raises the cap by IterationFactor.
func MoreIterations(v types.ViewState, _ Viewport) types.ViewState {
	v.MaxIterations = max(int(math.Round(float64(v.MaxIterations)*IterationFactor)), 1)
	return v
}

// FewerIterations lowers the cap by IterationFactor, never below 1.
func FewerIterations(v types.ViewState, _ Viewport) types.ViewState {
	v.MaxIterations = max(int(math.Round(float64(v.MaxIterations)/IterationFactor)), 1)
	return v
}

// ZoomOut doubles the plane area shown per pixel.
func ZoomOut(v types.ViewState, _ Viewport) types.ViewState {
	v.UnitsPerPixel *= 2
	return v
}

// PanUp moves the view by a tenth of the viewport height.
func PanUp(v types.ViewState, vp Viewport) types.ViewState {
	v.CenterY -= float64(vp.Height) / 10 * v.UnitsPerPixel
	return v
}

// PanDown moves the view by a tenth of the viewport height.
func PanDown(v types.ViewState, vp Viewport) types.ViewState {
	v.CenterY += float64(vp.Height) / 10 * v.UnitsPerPixel
	return v
}

// PanLeft moves the view by a tenth of the viewport width.
func PanLeft(v types.ViewState, vp Viewport) types.ViewState {
	v.CenterX -= float64(vp.Width) / 10 * v.UnitsPerPixel
	return v
}

// PanRight moves the view by a tenth of the viewport width.
func PanRight(v types.ViewState, vp Viewport) types.ViewState {
	v.CenterX += float64(vp.Width) / 10 * v.UnitsPerPixel
	return v
}

// ZoomAt centres the view on pixel (x, y) and halves units per pixel.
func ZoomAt(x, y int) Action {
	return func(v types.ViewState, vp Viewport) types.ViewState {
		v.CenterX += float64(x-vp.Width/2) * v.UnitsPerPixel
		v.CenterY += float64(y-vp.Height/2) * v.UnitsPerPixel
		v.UnitsPerPixel /= 2
		return v
	}
}

// Drag moves the view so the point under the pointer follows a drag of
// (dx, dy) pixels.
func Drag(dx, dy int) Action {
	return func(v types.ViewState, _ Viewport) types.ViewState {
		v.CenterX -= float64(dx) * v.UnitsPerPixel
		v.CenterY -= float64(dy) * v.UnitsPerPixel
		return v
	}
}

var keyActions = map[string]Action{
	"reset":  Reset,
	"more":   MoreIterations,
	"fewer":  FewerIterations,
	"out":    ZoomOut,
	"up":     PanUp,
	"down":   PanDown,
	"left":   PanLeft,
	"right":  PanRight,
	"escape": Reset,
	"+":      MoreIterations,
	"-":      FewerIterations,
	"o":      ZoomOut,
}

// ParseAction reads a navigation command: one of reset, more, fewer, out,
// up, down, left, right (or the keys escape, +, -, o), "zoom X Y" or
// "drag DX DY".
func ParseAction(line string) (Action, error) {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	if a, ok := keyActions[fields[0]]; ok && len(fields) == 1 {
		return a, nil
	}

	switch fields[0] {
	case "zoom", "drag":
		if len(fields) != 3 {
			return nil, fmt.Errorf("%s needs two integers", fields[0])
		}
		a, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fields[0], err)
		}
		b, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fields[0], err)
		}
		if fields[0] == "zoom" {
			return ZoomAt(a, b), nil
		}
		return Drag(a, b), nil
	}
	return nil, fmt.Errorf("unknown command %q", line)
}
