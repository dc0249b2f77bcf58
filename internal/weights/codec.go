package weights

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"github.com/ulikunitz/xz"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-upscaler/internal/graph"
)

// shuffleStride groups the bytes of each float32 lane together, which makes
// the exponent bytes compress well.
const shuffleStride = 4

// quantiseMask keeps the sign, exponent and top 11 mantissa bits.
const quantiseMask = 0xFFFFF000

// MaxDecodedSize caps the decompressed size of a container. The largest
// shipped networks decompress to a few megabytes.
const MaxDecodedSize = 256 << 20

// Parameter is one serialized tensor.
type Parameter struct {
	Shape []int     `msgpack:"shape"`
	Data  []float32 `msgpack:"data"`
}

// Description is the serialized network container.
//
// Containers written before Width existed decode with Width == 0 and
// non-empty Parameters; Decode treats those as LegacyWidth.
type Description struct {
	Factor           uint32      `msgpack:"factor"`
	Width            uint32      `msgpack:"width"`
	LogDepth         uint32      `msgpack:"log_depth"`
	GlobalNodeFactor uint32      `msgpack:"global_node_factor"`
	Parameters       []Parameter `msgpack:"parameters"`
}

// Decode reads a container: xz stream, byte-unshuffled, msgpack Description.
// Containers decompressing past MaxDecodedSize are rejected.
func Decode(data []byte, display string) (*Store, error) {
	return decode(data, display, MaxDecodedSize)
}

func decode(data []byte, display string, limit int64) (*Store, error) {
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Msg: "open xz stream", Err: err}
	}
	raw, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, &DecodeError{Msg: "decompress", Err: err}
	}
	if int64(len(raw)) > limit {
		return nil, &DecodeError{Msg: fmt.Sprintf("decompressed size exceeds %d bytes", limit)}
	}

	var desc Description
	if err := msgpack.Unmarshal(unshuffle(raw, shuffleStride), &desc); err != nil {
		return nil, &DecodeError{Msg: "deserialize description", Err: err}
	}
	return FromDescription(desc, display)
}

// FromDescription validates a decoded description.
func FromDescription(desc Description, display string) (*Store, error) {
	width := int(desc.Width)
	if width == 0 && len(desc.Parameters) > 0 {
		width = LegacyWidth
	}
	cfg := graph.Config{
		Factor:           int(desc.Factor),
		Width:            width,
		LogDepth:         int(desc.LogDepth),
		GlobalNodeFactor: int(desc.GlobalNodeFactor),
	}

	params := make([]*graph.Tensor, len(desc.Parameters))
	for i, p := range desc.Parameters {
		t, err := graph.FromData(p.Shape, p.Data)
		if err != nil {
			return nil, &DecodeError{Msg: fmt.Sprintf("parameter %d", i), Err: err}
		}
		params[i] = t
	}
	return New(cfg, params, display)
}

// Encode writes a container for desc. Subnormal values are flushed to zero;
// with quantise set the low 12 mantissa bits are cleared as well.
// desc is not modified.
func Encode(desc Description, quantise bool) ([]byte, error) {
	out := desc
	out.Parameters = make([]Parameter, len(desc.Parameters))
	for i, p := range desc.Parameters {
		data := make([]float32, len(p.Data))
		for j, v := range p.Data {
			data[j] = squash(v, quantise)
		}
		out.Parameters[i] = Parameter{Shape: p.Shape, Data: data}
	}

	raw, err := msgpack.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("weights: serialize description: %w", err)
	}

	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("weights: open xz writer: %w", err)
	}
	if _, err := w.Write(shuffle(raw, shuffleStride)); err != nil {
		return nil, fmt.Errorf("weights: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("weights: compress: %w", err)
	}
	return buf.Bytes(), nil
}

func squash(v float32, quantise bool) float32 {
	bits := math.Float32bits(v)
	if bits&0x7F800000 == 0 {
		return 0
	}
	if quantise {
		bits &= quantiseMask
	}
	return math.Float32frombits(bits)
}

// shuffle emits lane 0 of every stride-sized group, then lane 1, and so on.
func shuffle(in []byte, stride int) []byte {
	out := make([]byte, 0, len(in))
	for k := 0; k < stride; k++ {
		for i := k; i < len(in); i += stride {
			out = append(out, in[i])
		}
	}
	return out
}

func unshuffle(in []byte, stride int) []byte {
	out := make([]byte, len(in))
	pos := 0
	for k := 0; k < stride; k++ {
		for i := k; i < len(out); i += stride {
			out[i] = in[pos]
			pos++
		}
	}
	return out
}
