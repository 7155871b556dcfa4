// ============================================================================
// Tilerender Coordinator - Render Pass Orchestration
// ============================================================================
//
// Package: internal/coordinator
// File: coordinator.go
// Function: Runs at most one render pass at a time, coalescing requests that
//           arrive while a pass is active into a single follow-up pass
//
// Pass pipeline:
//   1. dispatching - split the surface into tiles, submit one TileTask per
//      tile to the pool
//   2. awaiting    - wait for every PendingResult (errgroup); the first
//      rejection aborts the pass and nothing is drawn
//   3. compositing - reduce the global min/max, rebuild the colour table,
//      remap every tile buffer in place and put it on the surface
//   4. idle        - or straight into another pass when Render was called
//      while this one was running
//
// Concurrency:
//   - Render, SetViewState, Resize may be called from any goroutine; the
//     coalescing record (active/requested) and the view are guarded by mu
//   - every pass runs on one goroutine, which alone touches the colour table
//   - an aborted pass leaves its remaining tiles running in the pool; their
//     results are dropped
//
// ============================================================================

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/tilerender/internal/palette"
	"github.com/ChuLiYu/tilerender/internal/surface"
	"github.com/ChuLiYu/tilerender/internal/tile"
	"github.com/ChuLiYu/tilerender/internal/viewstate"
	"github.com/ChuLiYu/tilerender/internal/worker"
	"github.com/ChuLiYu/tilerender/pkg/types"
)

// ============================================================================
// Error Definitions
// ============================================================================

// ErrInvalidResult is returned when a worker's answer does not fit its tile.
var ErrInvalidResult = errors.New("invalid tile result")

// ============================================================================
// Data Structures
// ============================================================================

// Submitter is the pool the coordinator fans tiles out to.
// *worker.Pool[types.TileTask, types.TileResult] implements it.
type Submitter interface {
	Submit(task types.TileTask) *worker.PendingResult[types.TileResult]
}

// Resizer is implemented by surfaces that follow the coordinator's size.
type Resizer interface {
	Resize(width, height int)
}

// Metrics receives pass-level events. *metrics.Collector implements it.
type Metrics interface {
	RecordPassStarted()
	RecordPassDone(seconds float64, err error)
	RecordCoalesced()
}

// Config is the surface geometry and tile layout.
type Config struct {
	Width  int // surface width in pixels
	Height int // surface height in pixels
	Rows   int // tile rows
	Cols   int // tile columns
}

// PassReport describes one finished render pass.
type PassReport struct {
	ID       uuid.UUID
	View     types.ViewState
	Width    int
	Height   int
	Tiles    int
	Min      uint32 // smallest iteration count in the frame
	Max      uint32 // largest iteration count in the frame
	Duration time.Duration
	Err      error // nil when the frame was composited
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	Phase    Phase
	View     types.ViewState
	Width    int
	Height   int
	Passes   uint64
	LastPass *PassReport
}

// Coordinator drives render passes over a tile grid.
type Coordinator struct {
	mu        sync.Mutex
	view      types.ViewState
	cfg       Config
	active    bool          // a pass goroutine is running
	requested bool          // Render was called while active
	idle      chan struct{} // closed when the current activation ends
	last      *PassReport

	phase  atomic.Int32
	passes atomic.Uint64

	table palette.ColorTable // pass goroutine only

	pool    Submitter
	surface surface.Surface
	log     *slog.Logger
	metrics Metrics
	onPass  func(PassReport)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger for pass diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.log = l
	}
}

// WithMetrics reports pass events to m.
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithPassHook calls fn on the pass goroutine after every pass, composited
// or failed, before Wait is released. fn must not call Wait.
func WithPassHook(fn func(PassReport)) Option {
	return func(c *Coordinator) {
		c.onPass = fn
	}
}

// WithViewState sets the initial view. The default is viewstate.Initial
// for the configured height.
func WithViewState(v types.ViewState) Option {
	return func(c *Coordinator) {
		c.view = v
	}
}

// ============================================================================
// Core Methods
// ============================================================================

// New validates cfg and builds an idle coordinator.
func New(cfg Config, pool Submitter, out surface.Surface, opts ...Option) (*Coordinator, error) {
	if err := tile.Validate(cfg.Width, cfg.Height, cfg.Rows, cfg.Cols); err != nil {
		return nil, fmt.Errorf("invalid tile layout: %w", err)
	}

	idle := make(chan struct{})
	close(idle)

	c := &Coordinator{
		cfg:     cfg,
		view:    viewstate.Initial(cfg.Height),
		idle:    idle,
		pool:    pool,
		surface: out,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := viewstate.Validate(c.view); err != nil {
		return nil, err
	}
	return c, nil
}

// SetViewState replaces the view used by the next pass. It does not start
// a render.
func (c *Coordinator) SetViewState(v types.ViewState) error {
	if err := viewstate.Validate(v); err != nil {
		return err
	}
	c.mu.Lock()
	c.view = v
	c.mu.Unlock()
	return nil
}

// ViewState returns the current view.
func (c *Coordinator) ViewState() types.ViewState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// Resize changes the surface size for the next pass, resizing the surface
// too when it supports it. It does not start a render.
func (c *Coordinator) Resize(width, height int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := tile.Validate(width, height, c.cfg.Rows, c.cfg.Cols); err != nil {
		return fmt.Errorf("invalid size %dx%d: %w", width, height, err)
	}
	c.cfg.Width, c.cfg.Height = width, height
	if r, ok := c.surface.(Resizer); ok {
		r.Resize(width, height)
	}
	return nil
}

// Render requests a pass with the current view. If a pass is running the
// request is remembered and any number of such requests collapse into one
// follow-up pass that starts as soon as the running one ends.
func (c *Coordinator) Render() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active {
		c.requested = true
		if c.metrics != nil {
			c.metrics.RecordCoalesced()
		}
		return
	}

	c.active = true
	c.idle = make(chan struct{})
	go c.run()
}

// Wait blocks until no pass is running or pending, or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Phase returns what the coordinator is doing right now.
func (c *Coordinator) Phase() Phase {
	return Phase(c.phase.Load())
}

// Status returns the current phase, view, geometry and last pass.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		Phase:  c.Phase(),
		View:   c.view,
		Width:  c.cfg.Width,
		Height: c.cfg.Height,
		Passes: c.passes.Load(),
	}
	if c.last != nil {
		last := *c.last
		s.LastPass = &last
	}
	return s
}

// ============================================================================
// Pass Loop
// ============================================================================

// run executes passes until no further one has been requested.
func (c *Coordinator) run() {
	for {
		c.mu.Lock()
		view, cfg := c.view, c.cfg
		c.mu.Unlock()

		report := c.pass(view, cfg)

		c.mu.Lock()
		c.last = &report
		c.mu.Unlock()

		if c.onPass != nil {
			c.onPass(report)
		}

		c.mu.Lock()
		again := c.requested
		c.requested = false
		if !again {
			c.active = false
			c.phase.Store(int32(PhaseIdle))
			close(c.idle)
		}
		c.mu.Unlock()

		if !again {
			return
		}
		c.log.Debug("Starting coalesced render pass")
	}
}

// pass renders one frame of view at cfg's geometry.
func (c *Coordinator) pass(view types.ViewState, cfg Config) PassReport {
	start := time.Now()
	report := PassReport{
		ID:     uuid.New(),
		View:   view,
		Width:  cfg.Width,
		Height: cfg.Height,
	}
	c.passes.Add(1)
	if c.metrics != nil {
		c.metrics.RecordPassStarted()
	}

	results, err := c.fanOut(view, cfg, &report)
	if err == nil {
		err = c.composite(view, results, &report)
	}

	report.Duration = time.Since(start)
	report.Err = err
	if c.metrics != nil {
		c.metrics.RecordPassDone(report.Duration.Seconds(), err)
	}

	if err != nil {
		c.phase.Store(int32(PhaseFailed))
		c.log.Error("Render pass failed",
			"pass", report.ID,
			"tiles", report.Tiles,
			"duration", report.Duration,
			"error", err)
		return report
	}

	c.log.Info("Render pass composited",
		"pass", report.ID,
		"tiles", report.Tiles,
		"min", report.Min,
		"max", report.Max,
		"duration", report.Duration)
	return report
}

// fanOut submits one task per tile and waits for all of them.
func (c *Coordinator) fanOut(view types.ViewState, cfg Config, report *PassReport) ([]types.TileResult, error) {
	c.phase.Store(int32(PhaseDispatching))

	tiles := tile.Tiles(cfg.Width, cfg.Height, cfg.Rows, cfg.Cols)
	report.Tiles = len(tiles)

	upp := view.UnitsPerPixel
	x0 := view.CenterX - upp*float64(cfg.Width)/2
	y0 := view.CenterY - upp*float64(cfg.Height)/2

	pending := make([]*worker.PendingResult[types.TileResult], len(tiles))
	for i, t := range tiles {
		pending[i] = c.pool.Submit(types.TileTask{
			Tile:          t,
			OriginX:       x0 + float64(t.X)*upp,
			OriginY:       y0 + float64(t.Y)*upp,
			UnitsPerPixel: upp,
			MaxIterations: view.MaxIterations,
		})
	}

	c.phase.Store(int32(PhaseAwaiting))

	results := make([]types.TileResult, len(tiles))
	g, ctx := errgroup.WithContext(context.Background())
	for i, p := range pending {
		g.Go(func() error {
			res, err := p.Wait(ctx)
			if err != nil {
				return fmt.Errorf("tile %s: %w", tiles[i], err)
			}
			if err := checkResult(tiles[i], res, view.MaxIterations); err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// composite colours every result and draws it.
func (c *Coordinator) composite(view types.ViewState, results []types.TileResult, report *PassReport) error {
	c.phase.Store(int32(PhaseCompositing))

	lo, hi := results[0].Min, results[0].Max
	for _, r := range results[1:] {
		lo = min(lo, r.Min)
		hi = max(hi, r.Max)
	}
	report.Min, report.Max = lo, hi

	c.table = palette.Build(c.table, lo, hi, view.MaxIterations)

	for _, r := range results {
		c.table.Remap(r.Iterations)
		buf := surface.Buffer{Width: r.Tile.Width, Height: r.Tile.Height, Pix: r.Iterations}
		if err := c.surface.PutPixels(buf, r.Tile.X, r.Tile.Y); err != nil {
			return fmt.Errorf("failed to draw tile %s: %w", r.Tile, err)
		}
	}
	return nil
}

// checkResult rejects answers that would index outside the colour table or
// the tile.
func checkResult(t types.Tile, res types.TileResult, maxIterations int) error {
	switch {
	case res.Tile != t:
		return fmt.Errorf("%w: got tile %s, want %s", ErrInvalidResult, res.Tile, t)
	case len(res.Iterations) != t.Area():
		return fmt.Errorf("%w: tile %s has %d counts", ErrInvalidResult, t, len(res.Iterations))
	case res.Min > res.Max || res.Max > uint32(maxIterations):
		return fmt.Errorf("%w: tile %s range [%d,%d] outside [0,%d]",
			ErrInvalidResult, t, res.Min, res.Max, maxIterations)
	}
	for _, n := range res.Iterations {
		if n < res.Min || n > res.Max {
			return fmt.Errorf("%w: tile %s count %d outside [%d,%d]", ErrInvalidResult, t, n, res.Min, res.Max)
		}
	}
	return nil
}
