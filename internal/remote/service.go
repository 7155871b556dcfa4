// ============================================================================
// Tilerender Remote Workers - gRPC Tile Service
// ============================================================================
//
// Package: internal/remote
// File: service.go
// Function: Lets a pool slot compute its tiles on another process
//
// Topology:
//   ┌──────────────────────┐   ComputeTile(BytesValue)   ┌───────────────────┐
//   │ render node          │ ──────────────────────────> │ worker node       │
//   │  Pool slot → Client  │ <────────────────────────── │  Server → Pool    │
//   └──────────────────────┘     BytesValue(result)      │  (local kernels)  │
//                                                        └───────────────────┘
//
// Wire format:
//   Both directions use google.protobuf.BytesValue so the default proto
//   codec applies without generated stubs. The request is the JSON TileTask;
//   the response is a JSON header followed by zstd-compressed counts
//   (see codec.go).
//
// Errors:
//   InvalidArgument - malformed or rejected task
//   Unavailable     - the worker node is shutting down
//   Internal        - the kernel failed
//
// ============================================================================

package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/tilerender/internal/fractal"
	"github.com/ChuLiYu/tilerender/internal/worker"
	"github.com/ChuLiYu/tilerender/pkg/types"
)

const (
	serviceName   = "tilerender.v1.TileService"
	computeMethod = "/" + serviceName + "/ComputeTile"
)

// ErrNoNodes is returned by Factory when given no connections.
var ErrNoNodes = errors.New("remote: no worker nodes")

// ============================================================================
// Service Description
// ============================================================================

// TileServiceServer is the server side of the tile service.
type TileServiceServer interface {
	ComputeTile(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*TileServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ComputeTile", Handler: computeTileHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tilerender/v1/tile.proto",
}

func computeTileHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TileServiceServer).ComputeTile(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: computeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TileServiceServer).ComputeTile(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv TileServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

// ============================================================================
// Server
// ============================================================================

// Submitter is the local pool a Server computes on.
type Submitter interface {
	Submit(task types.TileTask) *worker.PendingResult[types.TileResult]
}

// Server answers ComputeTile by running the task on a local pool, so a
// worker node bounds its own concurrency the same way a render node does.
type Server struct {
	pool Submitter
	log  *slog.Logger
}

// NewServer serves tiles from pool. A nil logger means slog.Default().
func NewServer(pool Submitter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{pool: pool, log: log}
}

// ComputeTile implements TileServiceServer.
func (s *Server) ComputeTile(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	task, err := DecodeTask(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	res, err := s.pool.Submit(task).Wait(ctx)
	if err != nil {
		s.log.Debug("Tile computation failed", "tile", task.Tile, "error", err)
		return nil, toStatus(err)
	}

	out, err := EncodeResult(res)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, fractal.ErrInvalidTask):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, worker.ErrPoolClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// ============================================================================
// Client
// ============================================================================

// Client is a worker.Executor that computes tiles on a remote node.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient returns an Executor calling the node behind conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Execute implements worker.Executor.
func (c *Client) Execute(ctx context.Context, task types.TileTask) (types.TileResult, error) {
	req, err := EncodeTask(task)
	if err != nil {
		return types.TileResult{}, err
	}

	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, computeMethod, req, out); err != nil {
		return types.TileResult{}, fmt.Errorf("rpc compute tile %s failed: %w", task.Tile, err)
	}

	res, err := DecodeResult(out)
	if err != nil {
		return types.TileResult{}, err
	}
	if res.Tile != task.Tile {
		return types.TileResult{}, fmt.Errorf("%w: answer for tile %s, asked %s", ErrMalformedPayload, res.Tile, task.Tile)
	}
	return res, nil
}

// Dial opens a plaintext connection to a worker node.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial worker node %s: %w", addr, err)
	}
	return conn, nil
}

// Factory spreads pool slots across conns round-robin.
func Factory(conns []grpc.ClientConnInterface) (worker.Factory[types.TileTask, types.TileResult], error) {
	if len(conns) == 0 {
		return nil, ErrNoNodes
	}
	return func(id int) (worker.Executor[types.TileTask, types.TileResult], error) {
		return NewClient(conns[id%len(conns)]), nil
	}, nil
}
