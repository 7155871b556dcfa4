// ============================================================================
// Tilerender CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for rendering, interactive exploring, serving as a
//          remote tile worker and inspecting configuration
//
// Command Structure:
//   tilerender                     # Root command
//   ├── render                     # Render one frame to an image file
//   ├── explore                    # Read navigation commands, re-render on each
//   ├── worker                     # Serve tiles to remote render nodes over gRPC
//   ├── status                     # Show configuration and saved view
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   ├── --log-level                # debug, info, warn, error
//   └── --version
//
// Configuration:
//   YAML file with render, worker, view and metrics sections. A missing
//   default file means built-in defaults; command flags override the file.
//
// Signal Handling:
//   render, explore and worker stop on SIGINT/SIGTERM. worker drains
//   in-flight RPCs before stopping its pool.
//
// Metrics Service:
//   When metrics.enabled is set, /metrics is served on metrics.port for the
//   lifetime of the command.
//
// ============================================================================

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/tilerender/internal/coordinator"
	"github.com/ChuLiYu/tilerender/internal/fractal"
	"github.com/ChuLiYu/tilerender/internal/metrics"
	"github.com/ChuLiYu/tilerender/internal/remote"
	"github.com/ChuLiYu/tilerender/internal/surface"
	"github.com/ChuLiYu/tilerender/internal/viewstate"
	"github.com/ChuLiYu/tilerender/internal/worker"
	"github.com/ChuLiYu/tilerender/pkg/types"
)

// app carries the persistent flags shared by every command.
type app struct {
	configFile string
	logLevel   string
	log        *slog.Logger
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	a := &app{log: slog.Default()}

	rootCmd := &cobra.Command{
		Use:   "tilerender",
		Short: "Tilerender: a tiled, parallel fractal renderer",
		Long: `Tilerender splits a view of the Mandelbrot set into tiles, computes them on a
bounded pool of local or remote workers and composites a log-scaled frame.`,
		Version:      "1.0.0",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLevel(a.logLevel)
			if err != nil {
				return err
			}
			a.log = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", DefaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(a.buildRenderCommand())
	rootCmd.AddCommand(a.buildExploreCommand())
	rootCmd.AddCommand(a.buildWorkerCommand())
	rootCmd.AddCommand(a.buildStatusCommand())

	return rootCmd
}

// ============================================================================
// Shared Setup
// ============================================================================

// renderFlags are the overrides accepted by render and explore.
type renderFlags struct {
	output  string
	format  string
	view    string
	width   int
	height  int
	rows    int
	cols    int
	workers int
	remote  []string
}

func (f *renderFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "image file to write")
	cmd.Flags().StringVar(&f.format, "format", "", "image format: png, bmp, tiff")
	cmd.Flags().StringVar(&f.view, "view", "", "view query, e.g. cx=-0.5&cy=0&pp=0.005&it=500")
	cmd.Flags().IntVar(&f.width, "width", 0, "surface width in pixels")
	cmd.Flags().IntVar(&f.height, "height", 0, "surface height in pixels")
	cmd.Flags().IntVar(&f.rows, "rows", 0, "tile rows")
	cmd.Flags().IntVar(&f.cols, "cols", 0, "tile columns")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "worker slots")
	cmd.Flags().StringSliceVar(&f.remote, "remote", nil, "remote worker node addresses")
}

func (f *renderFlags) apply(cmd *cobra.Command, cfg *Config) {
	set := func(name string) bool { return cmd.Flags().Changed(name) }
	if set("output") {
		cfg.Render.Output = f.output
	}
	if set("format") {
		cfg.Render.Format = f.format
	}
	if set("width") {
		cfg.Render.Width = f.width
	}
	if set("height") {
		cfg.Render.Height = f.height
	}
	if set("rows") {
		cfg.Render.Rows = f.rows
	}
	if set("cols") {
		cfg.Render.Cols = f.cols
	}
	if set("workers") {
		cfg.Worker.WorkerCount = f.workers
	}
	if set("remote") {
		cfg.Worker.Remote = f.remote
	}
	if set("view") {
		cfg.View.Initial = f.view
	}
}

// config loads, overrides and validates the configuration.
func (a *app) config(cmd *cobra.Command, flags *renderFlags) (*Config, error) {
	cfg, err := resolveConfig(a.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if flags != nil {
		flags.apply(cmd, cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// initialView is the configured view for a surface of cfg's height.
func initialView(cfg *Config) (types.ViewState, error) {
	base := viewstate.Initial(cfg.Render.Height)
	if cfg.View.Initial == "" {
		return base, nil
	}
	return viewstate.Parse(cfg.View.Initial, base)
}

// startMetrics registers a collector and serves it until ctx ends.
// It returns nil when metrics are disabled.
func (a *app) startMetrics(ctx context.Context, cfg *Config) *metrics.Collector {
	if !cfg.Metrics.Enabled {
		return nil
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	go func() {
		a.log.Info("Starting metrics server", "port", cfg.Metrics.Port)
		if err := metrics.StartServer(ctx, cfg.Metrics.Port, reg); err != nil {
			a.log.Error("Metrics server error", "error", err)
		}
	}()
	return collector
}

// newPool builds the tile pool: local kernels, or one client per slot
// spread over the remote nodes.
func (a *app) newPool(cfg *Config, collector *metrics.Collector) (*worker.Pool[types.TileTask, types.TileResult], func(), error) {
	opts := []worker.Option{
		worker.WithTaskTimeout(cfg.Worker.TaskTimeout),
		worker.WithLogger(a.log),
	}
	if collector != nil {
		opts = append(opts, worker.WithRecorder(collector))
	}

	factory := fractal.Factory
	var conns []*grpc.ClientConn
	closeConns := func() {
		for _, c := range conns {
			c.Close()
		}
	}

	if len(cfg.Worker.Remote) > 0 {
		ifaces := make([]grpc.ClientConnInterface, 0, len(cfg.Worker.Remote))
		for _, addr := range cfg.Worker.Remote {
			conn, err := remote.Dial(addr)
			if err != nil {
				closeConns()
				return nil, nil, err
			}
			conns = append(conns, conn)
			ifaces = append(ifaces, conn)
		}

		var err error
		factory, err = remote.Factory(ifaces)
		if err != nil {
			closeConns()
			return nil, nil, err
		}
		a.log.Info("Using remote worker nodes", "nodes", cfg.Worker.Remote)
	}

	pool, err := worker.NewPool(cfg.Worker.WorkerCount, factory, opts...)
	if err != nil {
		closeConns()
		return nil, nil, fmt.Errorf("failed to start worker pool: %w", err)
	}

	return pool, func() {
		pool.Stop()
		closeConns()
	}, nil
}

// session is a pool, canvas and coordinator wired together.
type session struct {
	cfg    *Config
	canvas *surface.Canvas
	coord  *coordinator.Coordinator
	close  func()
}

func (a *app) newSession(ctx context.Context, cfg *Config, view types.ViewState, hook func(coordinator.PassReport)) (*session, error) {
	collector := a.startMetrics(ctx, cfg)

	pool, closePool, err := a.newPool(cfg, collector)
	if err != nil {
		return nil, err
	}

	canvas := surface.NewCanvas(cfg.Render.Width, cfg.Render.Height)
	opts := []coordinator.Option{
		coordinator.WithLogger(a.log),
		coordinator.WithViewState(view),
	}
	if collector != nil {
		opts = append(opts, coordinator.WithMetrics(collector))
	}
	if hook != nil {
		opts = append(opts, coordinator.WithPassHook(hook))
	}

	coord, err := coordinator.New(cfg.Layout(), pool, canvas, opts...)
	if err != nil {
		closePool()
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}

	return &session{cfg: cfg, canvas: canvas, coord: coord, close: closePool}, nil
}

// writeImage encodes the canvas to cfg's output path atomically.
func writeImage(canvas *surface.Canvas, cfg *Config) error {
	tmp := cfg.Render.Output + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create image file: %w", err)
	}

	if err := canvas.Encode(f, cfg.OutputFormat(), cfg.BackgroundColor()); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write image file: %w", err)
	}
	if err := os.Rename(tmp, cfg.Render.Output); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename image file: %w", err)
	}
	return nil
}

// ============================================================================
// render
// ============================================================================

func (a *app) buildRenderCommand() *cobra.Command {
	var flags renderFlags

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render one frame to an image file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config(cmd, &flags)
			if err != nil {
				return err
			}
			return a.renderOnce(cmd, cfg)
		},
	}
	flags.register(cmd)
	return cmd
}

func (a *app) renderOnce(cmd *cobra.Command, cfg *Config) error {
	view, err := initialView(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := a.newSession(ctx, cfg, view, nil)
	if err != nil {
		return err
	}
	defer s.close()

	s.coord.Render()
	if err := s.coord.Wait(ctx); err != nil {
		return fmt.Errorf("render interrupted: %w", err)
	}

	last := s.coord.Status().LastPass
	if last == nil {
		return errors.New("render finished without a pass")
	}
	if last.Err != nil {
		return fmt.Errorf("render failed: %w", last.Err)
	}

	if err := writeImage(s.canvas, cfg); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %dx%d, %d tiles, iterations %d..%d, %s\n",
		cfg.Render.Output, last.Width, last.Height, last.Tiles, last.Min, last.Max,
		last.Duration.Round(time.Millisecond))
	return nil
}

// ============================================================================
// explore
// ============================================================================

func (a *app) buildExploreCommand() *cobra.Command {
	var flags renderFlags
	var input string

	cmd := &cobra.Command{
		Use:   "explore",
		Short: "Navigate interactively, re-rendering after every command",
		Long: `Reads one command per line and renders the new view, writing the image after
every composited frame. Commands arriving while a frame renders are folded into
a single follow-up frame.

Commands:
  reset | escape            back to the initial view
  more | +, fewer | -       iterations x1.5 or /1.5
  out | o                   zoom out
  up, down, left, right     pan by a tenth of the surface
  zoom X Y                  zoom in on pixel (X, Y)
  drag DX DY                pan by a pointer drag
  view QUERY                jump to cx=..&cy=..&pp=..&it=..
  resize W H                change the surface size
  back, forward             walk the saved history
  render                    render the current view again
  quit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config(cmd, &flags)
			if err != nil {
				return err
			}

			in := cmd.InOrStdin()
			if input != "" {
				f, err := os.Open(input)
				if err != nil {
					return fmt.Errorf("failed to open command file: %w", err)
				}
				defer f.Close()
				in = f
			}
			return a.explore(cmd, cfg, in)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&input, "input", "i", "", "read commands from a file instead of stdin")
	return cmd
}

func (a *app) explore(cmd *cobra.Command, cfg *Config, in io.Reader) error {
	out := cmd.OutOrStdout()

	store := viewstate.NewStore(cfg.View.StateFile)
	history, err := store.Load()
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	view, ok := history.Current()
	if !ok {
		if view, err = initialView(cfg); err != nil {
			return err
		}
		history.Push(view)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var s *session
	hook := func(r coordinator.PassReport) {
		if r.Err != nil {
			return
		}
		if err := writeImage(s.canvas, s.cfg); err != nil {
			a.log.Error("Failed to write frame", "pass", r.ID, "error", err)
		}
	}
	if s, err = a.newSession(ctx, cfg, view, hook); err != nil {
		return err
	}
	defer s.close()

	vp := viewstate.Viewport{Width: cfg.Render.Width, Height: cfg.Render.Height}
	s.coord.Render()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() && ctx.Err() == nil {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "quit" || line == "q" {
			break
		}

		next, push, err := a.command(line, s.coord.ViewState(), &vp, s.coord, &history)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		if err := s.coord.SetViewState(next); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		if push {
			history.Push(next)
		}
		s.coord.Render()
		fmt.Fprintln(out, viewstate.ToQuery(next).Encode())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read commands: %w", err)
	}

	waitErr := s.coord.Wait(ctx)
	if err := store.Write(history); err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	if waitErr != nil {
		return fmt.Errorf("explore interrupted: %w", waitErr)
	}
	return nil
}

// command applies one explore line. push reports whether the result is a
// new history entry.
func (a *app) command(line string, cur types.ViewState, vp *viewstate.Viewport, coord *coordinator.Coordinator, history *viewstate.History) (next types.ViewState, push bool, err error) {
	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "back":
		v, ok := history.Back()
		if !ok {
			return cur, false, errors.New("no earlier view")
		}
		return v, false, nil

	case "forward":
		v, ok := history.Forward()
		if !ok {
			return cur, false, errors.New("no later view")
		}
		return v, false, nil

	case "render":
		return cur, false, nil

	case "view":
		if len(fields) != 2 {
			return cur, false, errors.New("view needs one query argument")
		}
		v, err := viewstate.Parse(fields[1], cur)
		return v, err == nil, err

	case "resize":
		if len(fields) != 3 {
			return cur, false, errors.New("resize needs a width and a height")
		}
		w, errW := strconv.Atoi(fields[1])
		h, errH := strconv.Atoi(fields[2])
		if err := errors.Join(errW, errH); err != nil {
			return cur, false, fmt.Errorf("resize: %w", err)
		}
		if err := coord.Resize(w, h); err != nil {
			return cur, false, err
		}
		vp.Width, vp.Height = w, h
		return cur, false, nil
	}

	action, err := viewstate.ParseAction(line)
	if err != nil {
		return cur, false, err
	}
	return action(cur, *vp), true, nil
}

// ============================================================================
// worker
// ============================================================================

func (a *app) buildWorkerCommand() *cobra.Command {
	var listen string
	var workers int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Serve tiles to render nodes over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config(cmd, nil)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Worker.Listen = listen
			}
			if cmd.Flags().Changed("workers") {
				if workers < 1 {
					return fmt.Errorf("invalid config: workers must be at least 1, got %d", workers)
				}
				cfg.Worker.WorkerCount = workers
			}
			return a.serveWorker(cmd, cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "address to serve on")
	cmd.Flags().IntVar(&workers, "workers", 0, "worker slots")
	return cmd
}

func (a *app) serveWorker(cmd *cobra.Command, cfg *Config) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := a.startMetrics(ctx, cfg)

	// A worker node always computes locally.
	local := *cfg
	local.Worker.Remote = nil
	pool, closePool, err := a.newPool(&local, collector)
	if err != nil {
		return err
	}
	defer closePool()

	lis, err := net.Listen("tcp", cfg.Worker.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Worker.Listen, err)
	}

	s := grpc.NewServer()
	remote.Register(s, remote.NewServer(pool, a.log))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(lis)
	}()

	a.log.Info("Worker node listening", "addr", lis.Addr().String(), "workers", cfg.Worker.WorkerCount)
	fmt.Fprintf(cmd.OutOrStdout(), "worker listening on %s\n", lis.Addr())

	select {
	case err := <-serveErr:
		return fmt.Errorf("gRPC server failed: %w", err)
	case <-ctx.Done():
	}

	a.log.Info("Stopping worker node")
	s.GracefulStop()
	return nil
}

// ============================================================================
// status
// ============================================================================

func (a *app) buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration status and the saved view",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(a.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(cmd.OutOrStdout(), a.configFile, cfg)
		},
	}
}

func showStatus(w io.Writer, path string, cfg *Config) error {
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           Tilerender Status                               ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  ├─ Config File:   %s\n", path)
	fmt.Fprintf(w, "  ├─ Surface:       %dx%d in %dx%d tiles\n",
		cfg.Render.Width, cfg.Render.Height, cfg.Render.Rows, cfg.Render.Cols)
	fmt.Fprintf(w, "  ├─ Output:        %s (%s)\n", cfg.Render.Output, cfg.OutputFormat())
	fmt.Fprintf(w, "  └─ Valid:         %s\n", validity(cfg.Validate()))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Workers:")
	fmt.Fprintf(w, "  ├─ Slots:         %d\n", cfg.Worker.WorkerCount)
	fmt.Fprintf(w, "  ├─ Task Timeout:  %s\n", cfg.Worker.TaskTimeout)
	if len(cfg.Worker.Remote) > 0 {
		fmt.Fprintf(w, "  └─ Remote Nodes:  %s\n", strings.Join(cfg.Worker.Remote, ", "))
	} else {
		fmt.Fprintln(w, "  └─ Remote Nodes:  none (local kernels)")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "View:")
	fmt.Fprintf(w, "  ├─ History File:  %s\n", cfg.View.StateFile)
	history, err := viewstate.NewStore(cfg.View.StateFile).Load()
	switch {
	case err != nil:
		fmt.Fprintf(w, "  └─ Current:       unreadable (%v)\n", err)
	default:
		if v, ok := history.Current(); ok {
			fmt.Fprintf(w, "  ├─ Entries:       %d (at %d)\n", len(history.Entries), history.Cursor+1)
			fmt.Fprintf(w, "  └─ Current:       %s\n", viewstate.ToQuery(v).Encode())
		} else {
			fmt.Fprintln(w, "  └─ Current:       none saved")
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  └─ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(w, "  └─ Disabled")
	}
	return nil
}

func validity(err error) string {
	if err != nil {
		return err.Error()
	}
	return "yes"
}
