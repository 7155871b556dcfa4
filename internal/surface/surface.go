// Package surface receives composited tile pixels and turns them into images.
package surface

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
)

// ErrBufferSize is returned when a buffer's pixel count does not match its dimensions.
var ErrBufferSize = errors.New("surface: buffer size does not match dimensions")

// Buffer is a rectangle of ARGB pixels (alpha in the most significant byte),
// row-major, Width*Height long.
type Buffer struct {
	Width  int
	Height int
	Pix    []uint32
}

// Surface is the output the coordinator composites onto. Each PutPixels call
// fully replaces the rectangle at (x, y) with buf.
type Surface interface {
	PutPixels(buf Buffer, x, y int) error
}

// Canvas is an in-memory Surface backed by an NRGBA image.
// It is safe for concurrent use.
type Canvas struct {
	mu  sync.RWMutex
	img *image.NRGBA
}

// NewCanvas creates a fully transparent width x height canvas.
func NewCanvas(width, height int) *Canvas {
	return &Canvas{img: image.NewNRGBA(image.Rect(0, 0, width, height))}
}

// PutPixels copies buf onto the canvas at (x, y). Pixels falling outside
// the canvas are clipped.
func (c *Canvas) PutPixels(buf Buffer, x, y int) error {
	if len(buf.Pix) != buf.Width*buf.Height {
		return fmt.Errorf("%w: %dx%d with %d pixels", ErrBufferSize, buf.Width, buf.Height, len(buf.Pix))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	dst := image.Rect(x, y, x+buf.Width, y+buf.Height).Intersect(c.img.Rect)
	for py := dst.Min.Y; py < dst.Max.Y; py++ {
		row := buf.Pix[(py-y)*buf.Width:]
		off := c.img.PixOffset(dst.Min.X, py)
		for px := dst.Min.X; px < dst.Max.X; px++ {
			argb := row[px-x]
			c.img.Pix[off+0] = uint8(argb >> 16)
			c.img.Pix[off+1] = uint8(argb >> 8)
			c.img.Pix[off+2] = uint8(argb)
			c.img.Pix[off+3] = uint8(argb >> 24)
			off += 4
		}
	}
	return nil
}

// At returns the pixel at (x, y) in ARGB form.
func (c *Canvas) At(x, y int) uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !(image.Point{X: x, Y: y}.In(c.img.Rect)) {
		return 0
	}
	n := c.img.NRGBAAt(x, y)
	return uint32(n.A)<<24 | uint32(n.R)<<16 | uint32(n.G)<<8 | uint32(n.B)
}

// Resize replaces the canvas with a transparent one of the new size.
// A no-op when the size is unchanged.
func (c *Canvas) Resize(width, height int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.img.Rect.Dx() == width && c.img.Rect.Dy() == height {
		return
	}
	c.img = image.NewNRGBA(image.Rect(0, 0, width, height))
}

// Bounds returns the canvas rectangle.
func (c *Canvas) Bounds() image.Rectangle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.img.Rect
}

// Snapshot returns a copy of the current pixels.
func (c *Canvas) Snapshot() *image.NRGBA {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := image.NewNRGBA(c.img.Rect)
	copy(out.Pix, c.img.Pix)
	return out
}

// ParseColor parses "#rrggbb" or "#rrggbbaa" into a colour.
func ParseColor(s string) (color.NRGBA, error) {
	var c color.NRGBA
	c.A = 0xff

	var err error
	switch len(s) {
	case 7:
		_, err = fmt.Sscanf(s, "#%02x%02x%02x", &c.R, &c.G, &c.B)
	case 9:
		_, err = fmt.Sscanf(s, "#%02x%02x%02x%02x", &c.R, &c.G, &c.B, &c.A)
	default:
		err = fmt.Errorf("want #rrggbb or #rrggbbaa")
	}
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid colour %q: %w", s, err)
	}
	return c, nil
}
