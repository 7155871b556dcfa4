package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/tilerender/internal/palette"
	"github.com/ChuLiYu/tilerender/internal/surface"
	"github.com/ChuLiYu/tilerender/internal/tile"
	"github.com/ChuLiYu/tilerender/internal/viewstate"
	"github.com/ChuLiYu/tilerender/internal/worker"
	"github.com/ChuLiYu/tilerender/pkg/types"
)

// ============================================================================
// Test Helpers
// ============================================================================

var errTileFailed = errors.New("tile failed")

// fill returns a result whose every pixel is n.
func fill(task types.TileTask, n uint32) types.TileResult {
	pix := make([]uint32, task.Tile.Area())
	for i := range pix {
		pix[i] = n
	}
	return types.TileResult{Tile: task.Tile, Iterations: pix, Min: n, Max: n}
}

// harness runs tasks through a real pool, recording every task it sees and
// optionally holding them until released.
type harness struct {
	mu      sync.Mutex
	tasks   []types.TileTask
	hold    chan struct{}
	started chan types.TileTask
	answer  func(types.TileTask) (types.TileResult, error)
}

func newHarness(answer func(types.TileTask) (types.TileResult, error)) *harness {
	return &harness{
		started: make(chan types.TileTask, 1024),
		answer:  answer,
	}
}

func (h *harness) execute(ctx context.Context, task types.TileTask) (types.TileResult, error) {
	h.mu.Lock()
	h.tasks = append(h.tasks, task)
	hold := h.hold
	h.mu.Unlock()

	h.started <- task
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return types.TileResult{}, ctx.Err()
		}
	}
	return h.answer(task)
}

func (h *harness) holdAll() {
	h.mu.Lock()
	h.hold = make(chan struct{})
	h.mu.Unlock()
}

func (h *harness) release() {
	h.mu.Lock()
	close(h.hold)
	h.hold = nil
	h.mu.Unlock()
}

func (h *harness) seen() []types.TileTask {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]types.TileTask(nil), h.tasks...)
}

func (h *harness) pool(t *testing.T, workers int) *worker.Pool[types.TileTask, types.TileResult] {
	t.Helper()
	p, err := worker.NewPool(workers, func(int) (worker.Executor[types.TileTask, types.TileResult], error) {
		return worker.ExecutorFunc[types.TileTask, types.TileResult](h.execute), nil
	})
	require.NoError(t, err)
	t.Cleanup(p.Stop)
	return p
}

type passLog struct {
	mu      sync.Mutex
	reports []PassReport
}

func (l *passLog) hook(r PassReport) {
	l.mu.Lock()
	l.reports = append(l.reports, r)
	l.mu.Unlock()
}

func (l *passLog) all() []PassReport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]PassReport(nil), l.reports...)
}

func wait(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
}

func waitStarted(t *testing.T, h *harness) types.TileTask {
	t.Helper()
	select {
	case task := <-h.started:
		return task
	case <-time.After(5 * time.Second):
		t.Fatal("no task started")
		return types.TileTask{}
	}
}

var view = types.ViewState{CenterX: 0, CenterY: 0, UnitsPerPixel: 0.5, MaxIterations: 10}

// ============================================================================
// Construction
// ============================================================================

func TestNewValidatesLayout(t *testing.T) {
	h := newHarness(nil)
	p := h.pool(t, 1)

	_, err := New(Config{Width: 0, Height: 10, Rows: 1, Cols: 1}, p, surface.NewCanvas(1, 1))
	assert.ErrorIs(t, err, tile.ErrInvalidDimensions)

	_, err = New(Config{Width: 4, Height: 4, Rows: 1, Cols: 3}, p, surface.NewCanvas(4, 4))
	assert.ErrorIs(t, err, tile.ErrDegenerateGrid)

	_, err = New(Config{Width: 4, Height: 4, Rows: 1, Cols: 1}, p, surface.NewCanvas(4, 4),
		WithViewState(types.ViewState{UnitsPerPixel: 1}))
	assert.ErrorIs(t, err, viewstate.ErrInvalidViewState)
}

func TestNewDefaults(t *testing.T) {
	h := newHarness(nil)
	c, err := New(Config{Width: 8, Height: 6, Rows: 2, Cols: 2}, h.pool(t, 1), surface.NewCanvas(8, 6))
	require.NoError(t, err)

	assert.Equal(t, viewstate.Initial(6), c.ViewState())
	assert.Equal(t, PhaseIdle, c.Phase())
	wait(t, c)
}

// ============================================================================
// Render Pass
// ============================================================================

func TestRenderComposites(t *testing.T) {
	// Left tile is all 1s, right tile is all 3s.
	h := newHarness(func(task types.TileTask) (types.TileResult, error) {
		return fill(task, uint32(task.Tile.X)+1), nil
	})
	canvas := surface.NewCanvas(4, 2)
	var log passLog

	c, err := New(Config{Width: 4, Height: 2, Rows: 1, Cols: 2}, h.pool(t, 2), canvas,
		WithViewState(view), WithPassHook(log.hook))
	require.NoError(t, err)

	c.Render()
	wait(t, c)

	reports := log.all()
	require.Len(t, reports, 1)
	r := reports[0]
	require.NoError(t, r.Err)
	assert.Equal(t, 2, r.Tiles)
	assert.Equal(t, uint32(1), r.Min)
	assert.Equal(t, uint32(3), r.Max)
	assert.NotEqual(t, uuid.Nil, r.ID)

	for y := 0; y < 2; y++ {
		assert.Equal(t, uint32(0), canvas.At(0, y), "min count is transparent")
		assert.Equal(t, uint32(0), canvas.At(1, y))
		assert.Equal(t, uint32(0xff000000), canvas.At(2, y), "max count is opaque")
		assert.Equal(t, uint32(0xff000000), canvas.At(3, y))
	}
	assert.Equal(t, PhaseIdle, c.Phase())
	assert.Equal(t, uint64(1), c.Status().Passes)
}

func TestRenderUniformFrame(t *testing.T) {
	testCases := []struct {
		name  string
		count uint32
		want  uint32
	}{
		{"inside the set", 10, palette.InsideColor},
		{"uniform escape", 4, palette.UniformAlpha << 24},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(func(task types.TileTask) (types.TileResult, error) {
				return fill(task, tc.count), nil
			})
			canvas := surface.NewCanvas(3, 3)
			c, err := New(Config{Width: 3, Height: 3, Rows: 2, Cols: 2}, h.pool(t, 2), canvas, WithViewState(view))
			require.NoError(t, err)

			c.Render()
			wait(t, c)

			for y := 0; y < 3; y++ {
				for x := 0; x < 3; x++ {
					assert.Equal(t, tc.want, canvas.At(x, y))
				}
			}
		})
	}
}

func TestTaskGeometry(t *testing.T) {
	h := newHarness(func(task types.TileTask) (types.TileResult, error) {
		return fill(task, 0), nil
	})
	v := types.ViewState{CenterX: 1, CenterY: -2, UnitsPerPixel: 0.25, MaxIterations: 7}

	c, err := New(Config{Width: 10, Height: 10, Rows: 2, Cols: 3}, h.pool(t, 3), surface.NewCanvas(10, 10), WithViewState(v))
	require.NoError(t, err)

	c.Render()
	wait(t, c)

	tasks := h.seen()
	require.Len(t, tasks, 6)

	var got []types.Tile
	for _, task := range tasks {
		got = append(got, task.Tile)
		assert.InDelta(t, 1-0.25*5+float64(task.Tile.X)*0.25, task.OriginX, 1e-12)
		assert.InDelta(t, -2-0.25*5+float64(task.Tile.Y)*0.25, task.OriginY, 1e-12)
		assert.Equal(t, 0.25, task.UnitsPerPixel)
		assert.Equal(t, 7, task.MaxIterations)
	}
	assert.ElementsMatch(t, tile.Tiles(10, 10, 2, 3), got)
}

func TestRenderFailureSkipsComposite(t *testing.T) {
	h := newHarness(func(task types.TileTask) (types.TileResult, error) {
		if task.Tile.X > 0 {
			return types.TileResult{}, errTileFailed
		}
		return fill(task, 10), nil
	})
	canvas := surface.NewCanvas(4, 4)
	var log passLog

	c, err := New(Config{Width: 4, Height: 4, Rows: 2, Cols: 2}, h.pool(t, 2), canvas,
		WithViewState(view), WithPassHook(log.hook))
	require.NoError(t, err)

	c.Render()
	wait(t, c)

	reports := log.all()
	require.Len(t, reports, 1)
	assert.ErrorIs(t, reports[0].Err, errTileFailed)
	assert.Equal(t, PhaseIdle, c.Phase())

	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			assert.Zero(t, canvas.At(x, y), "nothing is drawn for a failed pass")
		}
	}

	last := c.Status().LastPass
	require.NotNil(t, last)
	assert.Error(t, last.Err)
}

func TestPoolUsableAfterFailure(t *testing.T) {
	var fail sync.Once
	h := newHarness(func(task types.TileTask) (types.TileResult, error) {
		failed := false
		fail.Do(func() { failed = true })
		if failed {
			return types.TileResult{}, errTileFailed
		}
		return fill(task, 10), nil
	})
	canvas := surface.NewCanvas(2, 2)
	var log passLog

	c, err := New(Config{Width: 2, Height: 2, Rows: 1, Cols: 2}, h.pool(t, 1), canvas,
		WithViewState(view), WithPassHook(log.hook))
	require.NoError(t, err)

	c.Render()
	wait(t, c)
	c.Render()
	wait(t, c)

	reports := log.all()
	require.Len(t, reports, 2)
	assert.Error(t, reports[0].Err)
	assert.NoError(t, reports[1].Err)
	assert.Equal(t, palette.InsideColor, canvas.At(1, 1))
}

func TestInvalidResultFailsPass(t *testing.T) {
	testCases := []struct {
		name   string
		answer func(types.TileTask) types.TileResult
	}{
		{"short buffer", func(task types.TileTask) types.TileResult {
			r := fill(task, 1)
			r.Iterations = r.Iterations[1:]
			return r
		}},
		{"count above cap", func(task types.TileTask) types.TileResult {
			return fill(task, 11)
		}},
		{"count outside reported range", func(task types.TileTask) types.TileResult {
			r := fill(task, 2)
			r.Iterations[0] = 7
			return r
		}},
		{"wrong tile", func(task types.TileTask) types.TileResult {
			r := fill(task, 1)
			r.Tile.X++
			return r
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(func(task types.TileTask) (types.TileResult, error) {
				return tc.answer(task), nil
			})
			var log passLog
			c, err := New(Config{Width: 2, Height: 2, Rows: 1, Cols: 1}, h.pool(t, 1), surface.NewCanvas(2, 2),
				WithViewState(view), WithPassHook(log.hook))
			require.NoError(t, err)

			c.Render()
			wait(t, c)

			require.Len(t, log.all(), 1)
			assert.ErrorIs(t, log.all()[0].Err, ErrInvalidResult)
		})
	}
}

// ============================================================================
// Coalescing
// ============================================================================

func TestRenderCoalesces(t *testing.T) {
	h := newHarness(func(task types.TileTask) (types.TileResult, error) {
		return fill(task, uint32(task.MaxIterations)), nil
	})
	h.holdAll()
	var log passLog

	c, err := New(Config{Width: 4, Height: 4, Rows: 2, Cols: 2}, h.pool(t, 2), surface.NewCanvas(4, 4),
		WithViewState(view), WithPassHook(log.hook))
	require.NoError(t, err)

	c.Render()
	waitStarted(t, h)
	assert.Eventually(t, func() bool { return c.Phase() == PhaseAwaiting }, time.Second, time.Millisecond)

	second := view
	second.MaxIterations = 20
	third := view
	third.MaxIterations = 30

	require.NoError(t, c.SetViewState(second))
	c.Render()
	c.Render()
	require.NoError(t, c.SetViewState(third))
	c.Render()

	h.release()
	wait(t, c)

	reports := log.all()
	require.Len(t, reports, 2, "any number of requests during a pass yield one more pass")
	assert.Equal(t, view, reports[0].View)
	assert.Equal(t, third, reports[1].View, "the follow-up pass uses the view current when it starts")
	for _, r := range reports {
		assert.NoError(t, r.Err)
	}
	assert.NotEqual(t, reports[0].ID, reports[1].ID)

	tasks := h.seen()
	require.Len(t, tasks, 8)
	for _, task := range tasks[4:] {
		assert.Equal(t, 30, task.MaxIterations)
	}
}

// fakeMetrics checks that pass start/done events never interleave.
type fakeMetrics struct {
	mu        sync.Mutex
	active    int
	overlaps  int
	started   int
	done      int
	coalesced int
}

func (m *fakeMetrics) RecordPassStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active++
	m.started++
	if m.active > 1 {
		m.overlaps++
	}
}

func (m *fakeMetrics) RecordPassDone(float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active--
	m.done++
}

func (m *fakeMetrics) RecordCoalesced() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coalesced++
}

func TestNoOverlappingPasses(t *testing.T) {
	h := newHarness(func(task types.TileTask) (types.TileResult, error) {
		return fill(task, 1), nil
	})
	m := &fakeMetrics{}

	c, err := New(Config{Width: 8, Height: 8, Rows: 2, Cols: 2}, h.pool(t, 4), surface.NewCanvas(8, 8),
		WithViewState(view), WithMetrics(m))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Render()
		}()
	}
	wg.Wait()
	wait(t, c)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Zero(t, m.overlaps)
	assert.Equal(t, m.started, m.done)
	assert.GreaterOrEqual(t, m.started, 1)
	assert.LessOrEqual(t, m.started, 20)
	assert.Equal(t, uint64(m.started), c.Status().Passes)
	assert.Equal(t, 4*m.started, len(h.seen()), "passes dispatch whole grids")
}

func TestWaitHonoursContext(t *testing.T) {
	h := newHarness(func(task types.TileTask) (types.TileResult, error) {
		return fill(task, 1), nil
	})
	h.holdAll()

	c, err := New(Config{Width: 2, Height: 2, Rows: 1, Cols: 1}, h.pool(t, 1), surface.NewCanvas(2, 2), WithViewState(view))
	require.NoError(t, err)

	c.Render()
	waitStarted(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Wait(ctx), context.DeadlineExceeded)

	h.release()
	wait(t, c)
}

// ============================================================================
// View and Geometry
// ============================================================================

func TestSetViewStateRejectsInvalid(t *testing.T) {
	h := newHarness(nil)
	c, err := New(Config{Width: 2, Height: 2, Rows: 1, Cols: 1}, h.pool(t, 1), surface.NewCanvas(2, 2), WithViewState(view))
	require.NoError(t, err)

	err = c.SetViewState(types.ViewState{UnitsPerPixel: -1, MaxIterations: 5})
	assert.ErrorIs(t, err, viewstate.ErrInvalidViewState)
	assert.Equal(t, view, c.ViewState())
}

func TestResize(t *testing.T) {
	h := newHarness(func(task types.TileTask) (types.TileResult, error) {
		return fill(task, 10), nil
	})
	canvas := surface.NewCanvas(4, 4)

	c, err := New(Config{Width: 4, Height: 4, Rows: 2, Cols: 2}, h.pool(t, 2), canvas, WithViewState(view))
	require.NoError(t, err)

	require.NoError(t, c.Resize(6, 3))
	assert.Equal(t, 6, canvas.Bounds().Dx())
	assert.Equal(t, 3, canvas.Bounds().Dy())

	c.Render()
	wait(t, c)

	var area int
	for _, task := range h.seen() {
		area += task.Tile.Area()
	}
	assert.Equal(t, 18, area)
	assert.Equal(t, palette.InsideColor, canvas.At(5, 2))

	assert.ErrorIs(t, c.Resize(1, 1), tile.ErrDegenerateGrid)
	assert.Equal(t, 6, c.Status().Width, "a rejected size leaves geometry unchanged")
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "awaiting", PhaseAwaiting.String())
	assert.Equal(t, "unknown", Phase(42).String())
}
