package remote

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/tilerender/pkg/types"
)

// ErrMalformedPayload is returned when a message cannot be decoded.
var ErrMalformedPayload = errors.New("remote: malformed payload")

// EncodeAll and DecodeAll are safe for concurrent use on a shared coder.
var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// resultHeader precedes the compressed counts in a result payload.
type resultHeader struct {
	Tile  types.Tile `json:"tile"`
	Min   uint32     `json:"min"`
	Max   uint32     `json:"max"`
	Count int        `json:"count"`
}

// EncodeTask wraps task as JSON.
func EncodeTask(task types.TileTask) (*wrapperspb.BytesValue, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	return wrapperspb.Bytes(data), nil
}

// DecodeTask reverses EncodeTask.
func DecodeTask(msg *wrapperspb.BytesValue) (types.TileTask, error) {
	var task types.TileTask
	if err := json.Unmarshal(msg.GetValue(), &task); err != nil {
		return types.TileTask{}, fmt.Errorf("%w: task: %v", ErrMalformedPayload, err)
	}
	return task, nil
}

// EncodeResult packs res as
//
//	uint32 header length | JSON header | zstd(little-endian uint32 counts)
func EncodeResult(res types.TileResult) (*wrapperspb.BytesValue, error) {
	header, err := json.Marshal(resultHeader{
		Tile:  res.Tile,
		Min:   res.Min,
		Max:   res.Max,
		Count: len(res.Iterations),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result header: %w", err)
	}

	raw := make([]byte, 4*len(res.Iterations))
	for i, n := range res.Iterations {
		binary.LittleEndian.PutUint32(raw[4*i:], n)
	}

	out := make([]byte, 4, 4+len(header)+len(raw)/4)
	binary.LittleEndian.PutUint32(out, uint32(len(header)))
	out = append(out, header...)
	out = encoder.EncodeAll(raw, out)
	return wrapperspb.Bytes(out), nil
}

// DecodeResult reverses EncodeResult and checks that every count lies
// within the reported [Min, Max].
func DecodeResult(msg *wrapperspb.BytesValue) (types.TileResult, error) {
	data := msg.GetValue()
	if len(data) < 4 {
		return types.TileResult{}, fmt.Errorf("%w: %d bytes", ErrMalformedPayload, len(data))
	}

	n := binary.LittleEndian.Uint32(data)
	if uint64(n) > uint64(len(data)-4) {
		return types.TileResult{}, fmt.Errorf("%w: header length %d", ErrMalformedPayload, n)
	}

	var h resultHeader
	if err := json.Unmarshal(data[4:4+n], &h); err != nil {
		return types.TileResult{}, fmt.Errorf("%w: header: %v", ErrMalformedPayload, err)
	}
	if h.Count < 0 || h.Count != h.Tile.Area() {
		return types.TileResult{}, fmt.Errorf("%w: %d counts for tile %s", ErrMalformedPayload, h.Count, h.Tile)
	}

	raw, err := decoder.DecodeAll(data[4+n:], make([]byte, 0, 4*h.Count))
	if err != nil {
		return types.TileResult{}, fmt.Errorf("%w: counts: %v", ErrMalformedPayload, err)
	}
	if len(raw) != 4*h.Count {
		return types.TileResult{}, fmt.Errorf("%w: %d count bytes, want %d", ErrMalformedPayload, len(raw), 4*h.Count)
	}

	res := types.TileResult{
		Tile:       h.Tile,
		Iterations: make([]uint32, h.Count),
		Min:        h.Min,
		Max:        h.Max,
	}
	for i := range res.Iterations {
		v := binary.LittleEndian.Uint32(raw[4*i:])
		if v < h.Min || v > h.Max {
			return types.TileResult{}, fmt.Errorf("%w: count %d outside [%d,%d]", ErrMalformedPayload, v, h.Min, h.Max)
		}
		res.Iterations[i] = v
	}
	return res, nil
}
