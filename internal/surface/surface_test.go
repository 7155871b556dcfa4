package surface

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

func TestPutPixels(t *testing.T) {
	c := NewCanvas(4, 3)

	buf := Buffer{Width: 2, Height: 2, Pix: []uint32{
		0xff000000, 0x80000000,
		0x00000000, 0x40112233,
	}}
	require.NoError(t, c.PutPixels(buf, 1, 1))

	assert.Equal(t, uint32(0xff000000), c.At(1, 1))
	assert.Equal(t, uint32(0x80000000), c.At(2, 1))
	assert.Equal(t, uint32(0), c.At(1, 2))
	assert.Equal(t, uint32(0x40112233), c.At(2, 2))
	assert.Equal(t, uint32(0), c.At(0, 0), "untouched pixels stay transparent")
}

func TestPutPixelsReplacesRectangle(t *testing.T) {
	c := NewCanvas(2, 2)
	require.NoError(t, c.PutPixels(Buffer{Width: 2, Height: 2, Pix: []uint32{1 << 24, 2 << 24, 3 << 24, 4 << 24}}, 0, 0))
	require.NoError(t, c.PutPixels(Buffer{Width: 2, Height: 2, Pix: make([]uint32, 4)}, 0, 0))

	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			assert.Zero(t, c.At(x, y))
		}
	}
}

func TestPutPixelsClipped(t *testing.T) {
	c := NewCanvas(2, 2)
	buf := Buffer{Width: 2, Height: 2, Pix: []uint32{0xff000000, 0xff000000, 0xff000000, 0xff000000}}

	require.NoError(t, c.PutPixels(buf, 1, 1))
	assert.Equal(t, uint32(0xff000000), c.At(1, 1))
	assert.Zero(t, c.At(0, 1))

	require.NoError(t, c.PutPixels(buf, 5, 5), "fully outside is not an error")
}

func TestPutPixelsBadBuffer(t *testing.T) {
	c := NewCanvas(2, 2)
	err := c.PutPixels(Buffer{Width: 2, Height: 2, Pix: make([]uint32, 3)}, 0, 0)
	assert.ErrorIs(t, err, ErrBufferSize)
}

func TestConcurrentPutPixels(t *testing.T) {
	c := NewCanvas(64, 64)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(row int) {
			defer wg.Done()
			pix := make([]uint32, 64*8)
			for j := range pix {
				pix[j] = uint32(row+1) << 24
			}
			assert.NoError(t, c.PutPixels(Buffer{Width: 64, Height: 8, Pix: pix}, 0, row*8))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		assert.Equal(t, uint32(i+1)<<24, c.At(10, i*8+3))
	}
}

func TestResize(t *testing.T) {
	c := NewCanvas(2, 2)
	require.NoError(t, c.PutPixels(Buffer{Width: 1, Height: 1, Pix: []uint32{0xff000000}}, 0, 0))

	c.Resize(2, 2)
	assert.Equal(t, uint32(0xff000000), c.At(0, 0), "same size keeps pixels")

	c.Resize(5, 3)
	assert.Equal(t, image.Rect(0, 0, 5, 3), c.Bounds())
	assert.Zero(t, c.At(0, 0))
}

func TestEncodeFormats(t *testing.T) {
	c := NewCanvas(3, 2)
	require.NoError(t, c.PutPixels(Buffer{Width: 1, Height: 1, Pix: []uint32{0xff000000}}, 0, 0))
	white := color.White

	decoders := map[Format]func(*bytes.Reader) (image.Image, error){
		FormatPNG:  func(r *bytes.Reader) (image.Image, error) { return png.Decode(r) },
		FormatBMP:  func(r *bytes.Reader) (image.Image, error) { return bmp.Decode(r) },
		FormatTIFF: func(r *bytes.Reader) (image.Image, error) { return tiff.Decode(r) },
	}

	for f, decode := range decoders {
		t.Run(string(f), func(t *testing.T) {
			var out bytes.Buffer
			require.NoError(t, c.Encode(&out, f, white))

			img, err := decode(bytes.NewReader(out.Bytes()))
			require.NoError(t, err)
			assert.Equal(t, image.Rect(0, 0, 3, 2), img.Bounds())

			r, g, b, _ := img.At(0, 0).RGBA()
			assert.Zero(t, r|g|b, "opaque black pixel")
			r, g, b, _ = img.At(2, 1).RGBA()
			assert.Equal(t, uint32(0xffff), r&g&b, "transparent pixel shows the background")
		})
	}
}

func TestEncodeUnknownFormat(t *testing.T) {
	var out bytes.Buffer
	err := NewCanvas(1, 1).Encode(&out, Format("gif"), color.White)
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("TIF")
	require.NoError(t, err)
	assert.Equal(t, FormatTIFF, f)

	_, err = ParseFormat("jpeg")
	assert.ErrorIs(t, err, ErrUnknownFormat)

	assert.Equal(t, FormatBMP, FormatFromPath("out/frame.bmp"))
	assert.Equal(t, FormatPNG, FormatFromPath("frame"))
}

func TestParseColor(t *testing.T) {
	c, err := ParseColor("#ff8000")
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 0xff, G: 0x80, A: 0xff}, c)

	c, err = ParseColor("#00000080")
	require.NoError(t, err)
	assert.Equal(t, uint8(0x80), c.A)

	_, err = ParseColor("red")
	assert.Error(t, err)
}
