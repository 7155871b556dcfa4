// Package tile partitions a raster into a fixed grid of rectangular tiles.
package tile

import (
	"errors"
	"fmt"
	"iter"

	"github.com/ChuLiYu/tilerender/pkg/types"
)

var (
	// ErrInvalidDimensions is returned when a size or grid count is not positive.
	ErrInvalidDimensions = errors.New("tile: dimensions must be positive")
	// ErrDegenerateGrid is returned when the last row or column would be empty.
	ErrDegenerateGrid = errors.New("tile: grid leaves an empty last row or column")
)

// Validate reports whether Tiles(width, height, rows, cols) yields only
// non-empty tiles. Callers that take user input should check it first.
func Validate(width, height, rows, cols int) error {
	if width < 1 || height < 1 || rows < 1 || cols < 1 {
		return fmt.Errorf("%w: %dx%d split %dx%d", ErrInvalidDimensions, width, height, rows, cols)
	}
	if remainder(width, stride(width, cols), cols) < 1 || remainder(height, stride(height, rows), rows) < 1 {
		return fmt.Errorf("%w: %dx%d split %dx%d", ErrDegenerateGrid, width, height, rows, cols)
	}
	return nil
}

// All yields the tiles covering a width x height rectangle split into
// rows x cols, in row-major order. The sequence is finite and may be
// iterated any number of times.
//
// rows and cols must be at least 1.
func All(width, height, rows, cols int) iter.Seq[types.Tile] {
	return func(yield func(types.Tile) bool) {
		colW := stride(width, cols)
		rowH := stride(height, rows)

		for r := range rows {
			h := rowH
			if r == rows-1 {
				h = remainder(height, rowH, rows)
			}
			for c := range cols {
				w := colW
				if c == cols-1 {
					w = remainder(width, colW, cols)
				}
				if !yield(types.Tile{X: c * colW, Y: r * rowH, Width: w, Height: h}) {
					return
				}
			}
		}
	}
}

// Tiles returns All(width, height, rows, cols) collected into a slice of
// exactly rows*cols tiles.
func Tiles(width, height, rows, cols int) []types.Tile {
	tiles := make([]types.Tile, 0, rows*cols)
	for t := range All(width, height, rows, cols) {
		tiles = append(tiles, t)
	}
	return tiles
}

// stride is ceil(size / count).
func stride(size, count int) int {
	return (size + count - 1) / count
}

// remainder is the extent left for the last row or column.
// Clamped at zero for grids Validate would reject.
func remainder(size, stride, count int) int {
	return max(size-stride*(count-1), 0)
}
