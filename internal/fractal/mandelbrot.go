// Package fractal computes escape-time iteration counts for tiles of the
// Mandelbrot set.
package fractal

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/tilerender/internal/worker"
	"github.com/ChuLiYu/tilerender/pkg/types"
)

// ErrInvalidTask is returned for a task the kernel cannot compute.
var ErrInvalidTask = errors.New("fractal: invalid tile task")

// Escape returns the number of iterations of z = z² + c, starting at z = 0,
// before |z| exceeds 2, capped at maxIterations.
func Escape(cx, cy float64, maxIterations int) uint32 {
	var x, y, x2, y2 float64
	n := 0
	for n < maxIterations && x2+y2 <= 4 {
		y = 2*x*y + cy
		x = x2 - y2 + cx
		x2 = x * x
		y2 = y * y
		n++
	}
	return uint32(n)
}

// Mandelbrot is an Executor computing raw iteration counts for a tile.
type Mandelbrot struct{}

// Execute fills a row-major buffer of counts for task. Pixel (px, py) of the
// tile samples c = (OriginX + px·upp, OriginY + py·upp). The context is
// checked between rows.
func (Mandelbrot) Execute(ctx context.Context, task types.TileTask) (types.TileResult, error) {
	if err := validate(task); err != nil {
		return types.TileResult{}, err
	}

	w, h := task.Tile.Width, task.Tile.Height
	res := types.TileResult{
		Tile:       task.Tile,
		Iterations: make([]uint32, w*h),
		Min:        uint32(task.MaxIterations),
	}

	for py := 0; py < h; py++ {
		if err := ctx.Err(); err != nil {
			return types.TileResult{}, err
		}
		cy := task.OriginY + float64(py)*task.UnitsPerPixel
		row := res.Iterations[py*w : (py+1)*w]
		for px := range row {
			n := Escape(task.OriginX+float64(px)*task.UnitsPerPixel, cy, task.MaxIterations)
			row[px] = n
			res.Min = min(res.Min, n)
			res.Max = max(res.Max, n)
		}
	}

	if len(res.Iterations) == 0 {
		res.Min = 0
	}
	return res, nil
}

// Factory gives every pool slot its own kernel.
func Factory(int) (worker.Executor[types.TileTask, types.TileResult], error) {
	return Mandelbrot{}, nil
}

func validate(task types.TileTask) error {
	switch {
	case task.Tile.Width < 0 || task.Tile.Height < 0:
		return fmt.Errorf("%w: negative size %dx%d", ErrInvalidTask, task.Tile.Width, task.Tile.Height)
	case task.MaxIterations < 1:
		return fmt.Errorf("%w: max iterations %d", ErrInvalidTask, task.MaxIterations)
	case task.UnitsPerPixel <= 0:
		return fmt.Errorf("%w: units per pixel %g", ErrInvalidTask, task.UnitsPerPixel)
	}
	return nil
}
