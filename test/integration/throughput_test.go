package integration

import (
	"fmt"
	"testing"

	"github.com/ChuLiYu/tilerender/internal/coordinator"
	"github.com/ChuLiYu/tilerender/internal/fractal"
)

func BenchmarkRenderPass(b *testing.B) {
	for _, workers := range []int{1, 4, 8} {
		b.Run(fmt.Sprintf("workers=%d", workers), func(b *testing.B) {
			layout := coordinator.Config{Width: 256, Height: 192, Rows: 8, Cols: 8}
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				renderFrame(b, fractal.Factory, workers, layout, seahorse)
			}
		})
	}
}
