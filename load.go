package upscaler

import (
	"fmt"
	"os"
	"strings"

	"github.com/e7canasta/orion-upscaler/internal/weights"
)

// Display names.
const (
	DisplayBilinear = "bilinear interpolation"
	DisplayCustom   = "custom network"
)

// DefaultFactor is used by FromLabel when factor is zero.
const DefaultFactor = 4

// LabelBilinear selects the parameterless bilinear network.
const LabelBilinear = "bilinear"

// Load decodes a weight container.
func Load(data []byte, opts ...Option) (*Network, error) {
	store, err := DecodeWeights(data, DisplayCustom)
	if err != nil {
		return nil, err
	}
	return New(store, opts...), nil
}

// LoadFile reads and decodes a weight container from disk.
func LoadFile(path string, opts ...Option) (*Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Kind: KindIO, Msg: "read weights", Err: err}
	}
	return Load(data, opts...)
}

// DecodeWeights decodes a weight container into a store.
func DecodeWeights(data []byte, display string) (*WeightStore, error) {
	store, err := weights.Decode(data, display)
	if err != nil {
		return nil, &Error{Kind: KindDecode, Err: err}
	}
	return store, nil
}

// EncodeWeights serializes store into a container. With quantise set the
// low mantissa bits are cleared for better compression.
func EncodeWeights(store *WeightStore, quantise bool) ([]byte, error) {
	data, err := weights.Encode(store.Description(), quantise)
	if err != nil {
		return nil, &Error{Kind: KindIO, Msg: "encode weights", Err: err}
	}
	return data, nil
}

// FromLabel builds a built-in network. Only LabelBilinear is built in;
// trained networks are loaded from a container. factor 0 means
// DefaultFactor.
func FromLabel(label string, factor int, opts ...Option) (*Network, error) {
	if factor == 0 {
		factor = DefaultFactor
	}
	switch strings.ToLower(strings.TrimSpace(label)) {
	case LabelBilinear:
		store, err := weights.NewBilinear(factor, DisplayBilinear)
		if err != nil {
			return nil, &Error{Kind: KindInvalidInput, Msg: fmt.Sprintf("factor %d", factor), Err: err}
		}
		return New(store, opts...), nil
	default:
		return nil, invalidInput(fmt.Sprintf("unsupported network label %q", label))
	}
}
