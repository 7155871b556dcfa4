// Package types defines the core domain model shared by the tilerender packages.
package types

import "fmt"

// Tile is a rectangular region of the output surface, in pixel coordinates.
// Tiles are values and are never mutated after the grid produces them.
type Tile struct {
	X      int `json:"x"`      // left edge
	Y      int `json:"y"`      // top edge
	Width  int `json:"width"`  // always > 0 for a valid grid
	Height int `json:"height"` // always > 0 for a valid grid
}

// Area returns the number of pixels covered by the tile.
func (t Tile) Area() int {
	return t.Width * t.Height
}

func (t Tile) String() string {
	return fmt.Sprintf("%dx%d@(%d,%d)", t.Width, t.Height, t.X, t.Y)
}

// ViewState is a read-only snapshot of what the viewer is looking at.
// Callers never mutate a snapshot handed to the coordinator; they build a new one.
type ViewState struct {
	CenterX       float64 `json:"cx"` // real-plane x of the surface centre
	CenterY       float64 `json:"cy"` // real-plane y of the surface centre
	UnitsPerPixel float64 `json:"pp"` // real-plane units per output pixel
	MaxIterations int     `json:"it"` // iteration cap, > 0
}

// TileTask is the request sent to a worker for one tile.
type TileTask struct {
	Tile          Tile    `json:"tile"`
	OriginX       float64 `json:"origin_x"` // real-plane x of the tile's top-left pixel
	OriginY       float64 `json:"origin_y"` // real-plane y of the tile's top-left pixel
	UnitsPerPixel float64 `json:"units_per_pixel"`
	MaxIterations int     `json:"max_iterations"`
}

// TileResult is a worker's answer for one tile.
//
// Iterations holds one count per pixel in row-major order, each within
// [0, MaxIterations]. Min and Max are the smallest and largest counts the
// worker observed; the coordinator trusts them without rescanning.
type TileResult struct {
	Tile       Tile     `json:"tile"`
	Iterations []uint32 `json:"-"`
	Min        uint32   `json:"min"`
	Max        uint32   `json:"max"`
}
