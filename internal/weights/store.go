package weights

import (
	"fmt"
	"math"

	"github.com/e7canasta/orion-upscaler/internal/graph"
)

// LegacyWidth is the width assumed for containers written before the width
// field existed.
const LegacyWidth = 32

// DecodeError reports a container that cannot be turned into a Store.
type DecodeError struct {
	Msg string
	Err error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("weights: %s: %v", e.Msg, e.Err)
	}
	return "weights: " + e.Msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Store holds validated model parameters and hyperparameters.
//
// A Store is immutable after construction. Parameters are shared by every
// graph execution and are only ever read, so any number of goroutines may use
// one Store without synchronization. Callers must not modify the tensors
// returned by Parameters.
type Store struct {
	cfg     graph.Config
	params  []*graph.Tensor
	display string
}

// New validates params against cfg and returns a Store that takes ownership
// of them.
func New(cfg graph.Config, params []*graph.Tensor, display string) (*Store, error) {
	shapes, err := graph.ParameterShapes(cfg)
	if err != nil {
		return nil, &DecodeError{Msg: "invalid hyperparameters", Err: err}
	}
	if len(params) != len(shapes) {
		return nil, &DecodeError{Msg: fmt.Sprintf("expected %d parameters for %+v, got %d", len(shapes), cfg, len(params))}
	}
	for i, p := range params {
		if p == nil {
			return nil, &DecodeError{Msg: fmt.Sprintf("parameter %d is missing", i)}
		}
		if !graph.SameShape(p.Shape, shapes[i]) {
			return nil, &DecodeError{Msg: fmt.Sprintf("parameter %d has shape %v, want %v", i, p.Shape, shapes[i])}
		}
		if len(p.Data) != graph.NumElements(p.Shape) {
			return nil, &DecodeError{Msg: fmt.Sprintf("parameter %d has %d values for shape %v", i, len(p.Data), p.Shape)}
		}
		for _, v := range p.Data {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return nil, &DecodeError{Msg: fmt.Sprintf("parameter %d contains non-finite values", i)}
			}
		}
	}

	return &Store{
		cfg:     cfg,
		params:  append([]*graph.Tensor(nil), params...),
		display: display,
	}, nil
}

// NewBilinear returns the parameterless store for plain bilinear upsampling.
func NewBilinear(factor int, display string) (*Store, error) {
	return New(graph.Config{Factor: factor}, nil, display)
}

// Config returns the hyperparameters.
func (s *Store) Config() graph.Config { return s.cfg }

func (s *Store) Factor() int           { return s.cfg.Factor }
func (s *Store) Width() int            { return s.cfg.Width }
func (s *Store) LogDepth() int         { return s.cfg.LogDepth }
func (s *Store) GlobalNodeFactor() int { return s.cfg.GlobalNodeFactor }
func (s *Store) Display() string       { return s.display }

// Parameters returns the shared parameter tensors. Read-only.
func (s *Store) Parameters() []*graph.Tensor { return s.params }

// NewGraph builds a fresh execution graph for this store. It has no side
// effects and may be called concurrently.
func (s *Store) NewGraph() (*graph.Graph, error) {
	return graph.New(s.cfg)
}

// Description returns the serializable form of the store. Parameter data is
// shared, not copied.
func (s *Store) Description() Description {
	d := Description{
		Factor:           uint32(s.cfg.Factor),
		Width:            uint32(s.cfg.Width),
		LogDepth:         uint32(s.cfg.LogDepth),
		GlobalNodeFactor: uint32(s.cfg.GlobalNodeFactor),
		Parameters:       make([]Parameter, len(s.params)),
	}
	for i, p := range s.params {
		d.Parameters[i] = Parameter{Shape: p.Shape, Data: p.Data}
	}
	return d
}
