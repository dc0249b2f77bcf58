package weights

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-upscaler/internal/graph"
)

func sampleDescription(t *testing.T, cfg graph.Config) Description {
	t.Helper()
	shapes, err := graph.ParameterShapes(cfg)
	if err != nil {
		t.Fatalf("ParameterShapes failed: %v", err)
	}
	desc := Description{
		Factor:           uint32(cfg.Factor),
		Width:            uint32(cfg.Width),
		LogDepth:         uint32(cfg.LogDepth),
		GlobalNodeFactor: uint32(cfg.GlobalNodeFactor),
	}
	for i, s := range shapes {
		data := make([]float32, graph.NumElements(s))
		for j := range data {
			data[j] = float32(i+1) * 0.5 / float32(j+1)
		}
		desc.Parameters = append(desc.Parameters, Parameter{Shape: s, Data: data})
	}
	return desc
}

func TestEncodeDecode(t *testing.T) {
	cfg := graph.Config{Factor: 2, Width: 4, LogDepth: 2, GlobalNodeFactor: 1}
	desc := sampleDescription(t, cfg)

	data, err := Encode(desc, false)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	store, err := Decode(data, "custom network")
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if store.Config() != cfg {
		t.Errorf("config = %+v, want %+v", store.Config(), cfg)
	}
	if store.Display() != "custom network" {
		t.Errorf("display = %q", store.Display())
	}
	params := store.Parameters()
	if len(params) != len(desc.Parameters) {
		t.Fatalf("got %d parameters, want %d", len(params), len(desc.Parameters))
	}
	for i, p := range params {
		for j, v := range p.Data {
			if v != desc.Parameters[i].Data[j] {
				t.Fatalf("parameter %d[%d] = %v, want %v", i, j, v, desc.Parameters[i].Data[j])
			}
		}
	}
}

func TestEncodeQuantisesAndFlushesSubnormals(t *testing.T) {
	cfg := graph.Config{Factor: 1, Width: 1}
	desc := sampleDescription(t, cfg)
	subnormal := math.Float32frombits(0x00000010)
	desc.Parameters[0].Data[0] = subnormal
	desc.Parameters[0].Data[1] = math.Float32frombits(0x3F812345)

	data, err := Encode(desc, true)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if desc.Parameters[0].Data[0] != subnormal {
		t.Fatal("Encode modified its input")
	}

	store, err := Decode(data, "")
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	got := store.Parameters()[0].Data
	if got[0] != 0 {
		t.Errorf("subnormal decoded as %v, want 0", got[0])
	}
	if bits := math.Float32bits(got[1]); bits != 0x3F812000 {
		t.Errorf("quantised bits = %#x, want 0x3f812000", bits)
	}
}

func TestDecodeLegacyWidth(t *testing.T) {
	cfg := graph.Config{Factor: 2, Width: LegacyWidth, LogDepth: 1}
	desc := sampleDescription(t, cfg)
	desc.Width = 0

	data, err := Encode(desc, false)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	store, err := Decode(data, "")
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if store.Width() != LegacyWidth {
		t.Errorf("width = %d, want %d", store.Width(), LegacyWidth)
	}
}

func TestDecodeRejects(t *testing.T) {
	valid := sampleDescription(t, graph.Config{Factor: 2, Width: 2, LogDepth: 1})

	missing := valid
	missing.Parameters = valid.Parameters[:len(valid.Parameters)-1]

	reshaped := sampleDescription(t, graph.Config{Factor: 2, Width: 2, LogDepth: 1})
	reshaped.Parameters[1] = Parameter{Shape: []int{3}, Data: []float32{1, 2, 3}}

	nonFinite := sampleDescription(t, graph.Config{Factor: 2, Width: 2, LogDepth: 1})
	nonFinite.Parameters[0].Data[3] = float32(math.Inf(1))

	zeroFactor := valid
	zeroFactor.Factor = 0

	tests := []struct {
		name string
		desc Description
	}{
		{"missing parameter", missing},
		{"wrong shape", reshaped},
		{"non-finite value", nonFinite},
		{"zero factor", zeroFactor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.desc, false)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			_, err = Decode(data, "")
			var derr *DecodeError
			if !errors.As(err, &derr) {
				t.Fatalf("expected *DecodeError, got %v", err)
			}
		})
	}

	t.Run("not xz", func(t *testing.T) {
		_, err := Decode([]byte("definitely not a model"), "")
		var derr *DecodeError
		if !errors.As(err, &derr) {
			t.Fatalf("expected *DecodeError, got %v", err)
		}
	})
}

// TestDecodeRejectsOversizedContainer checks the decompression cap: a
// container that fits decodes, one byte less of budget fails.
func TestDecodeRejectsOversizedContainer(t *testing.T) {
	desc := sampleDescription(t, graph.Config{Factor: 2, Width: 4, LogDepth: 1, GlobalNodeFactor: 0})
	data, err := Encode(desc, false)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	raw, err := msgpack.Marshal(&desc)
	if err != nil {
		t.Fatal(err)
	}
	size := int64(len(raw))

	if _, err := decode(data, "fits", size); err != nil {
		t.Fatalf("decode within limit failed: %v", err)
	}
	_, err = decode(data, "too big", size-1)
	var derr *DecodeError
	if !errors.As(err, &derr) || !strings.Contains(derr.Msg, "exceeds") {
		t.Fatalf("expected size DecodeError, got %v", err)
	}
}

func TestShuffleOddLength(t *testing.T) {
	in := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}
	shuffled := shuffle(in, shuffleStride)
	if want := []byte{1, 5, 9, 2, 6, 10, 3, 7, 11, 4, 8}; string(shuffled) != string(want) {
		t.Fatalf("shuffle = %v, want %v", shuffled, want)
	}
	if got := unshuffle(shuffled, shuffleStride); string(got) != string(in) {
		t.Fatalf("unshuffle = %v, want %v", got, in)
	}
}

func TestNewGraphMatchesConfig(t *testing.T) {
	store, err := NewBilinear(3, "bilinear interpolation")
	if err != nil {
		t.Fatalf("NewBilinear failed: %v", err)
	}
	g, err := store.NewGraph()
	if err != nil {
		t.Fatalf("NewGraph failed: %v", err)
	}
	if g.Config() != store.Config() || g.NumParameters() != 0 {
		t.Errorf("graph config %+v with %d parameters", g.Config(), g.NumParameters())
	}
}
