package graph

import (
	"fmt"
)

// Limits applied to hyperparameters before a graph is built.
const (
	MaxFactor   = 16
	MaxLogDepth = 32
)

// Config holds the hyperparameters that fully determine the graph topology.
type Config struct {
	Factor           int
	Width            int
	LogDepth         int
	GlobalNodeFactor int
}

// Bilinear reports whether the configuration describes the parameterless
// bilinear network.
func (c Config) Bilinear() bool { return c.Width == 0 }

// GraphError reports an invalid topology or a failed execution.
type GraphError struct {
	Op  string
	Msg string
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("graph: %s: %s", e.Op, e.Msg)
}

func graphErr(op, format string, args ...any) error {
	return &GraphError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Validate checks the hyperparameter ranges.
func (c Config) Validate() error {
	switch {
	case c.Factor < 1 || c.Factor > MaxFactor:
		return graphErr("config", "factor %d outside [1, %d]", c.Factor, MaxFactor)
	case c.Width < 0:
		return graphErr("config", "width %d is negative", c.Width)
	case c.LogDepth < 0 || c.LogDepth > MaxLogDepth:
		return graphErr("config", "log depth %d outside [0, %d]", c.LogDepth, MaxLogDepth)
	case c.GlobalNodeFactor < 0:
		return graphErr("config", "global node factor %d is negative", c.GlobalNodeFactor)
	}
	return nil
}

// ParameterShapes returns the ordered parameter shapes a configuration needs.
//
// Layout per hidden layer: kernel [3,3,in,Width], bias [Width], then, when
// GlobalNodeFactor > 0, down [Width,GlobalNodeFactor] and up
// [GlobalNodeFactor,Width]. The output layer follows: kernel
// [3,3,in,3*f*f], bias [3*f*f]. A bilinear configuration needs none.
func ParameterShapes(c Config) ([][]int, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Bilinear() {
		return nil, nil
	}

	var shapes [][]int
	in := Channels
	for i := 0; i < c.LogDepth; i++ {
		shapes = append(shapes, []int{3, 3, in, c.Width}, []int{c.Width})
		if c.GlobalNodeFactor > 0 {
			shapes = append(shapes,
				[]int{c.Width, c.GlobalNodeFactor},
				[]int{c.GlobalNodeFactor, c.Width})
		}
		in = c.Width
	}
	out := Channels * c.Factor * c.Factor
	shapes = append(shapes, []int{3, 3, in, out}, []int{out})
	return shapes, nil
}

// Graph executes the upscaling network for one configuration.
//
// A Graph owns scratch activations that are reused between calls, so it is
// NOT safe for concurrent use. Parameters are passed per call and only read.
type Graph struct {
	cfg    Config
	shapes [][]int

	actA, actB []float32
	residual   []float32
	pooled     []float32
	hidden     []float32
}

// New builds a graph for cfg. It is a pure function of cfg.
func New(cfg Config) (*Graph, error) {
	shapes, err := ParameterShapes(cfg)
	if err != nil {
		return nil, err
	}
	return &Graph{cfg: cfg, shapes: shapes}, nil
}

// Config returns the configuration the graph was built from.
func (g *Graph) Config() Config { return g.cfg }

// NumParameters returns the number of parameter tensors Execute expects.
func (g *Graph) NumParameters() int { return len(g.shapes) }

// Execute runs the network on an NHWC input of C=3 and returns a freshly
// allocated output of shape [N, H*f, W*f, 3]. Scratch memory is retained for
// the next call; the returned tensor is never aliased by the graph.
func (g *Graph) Execute(in *Tensor, params []*Tensor) (*Tensor, error) {
	if in == nil || in.Rank() != 4 || in.Shape[3] != Channels {
		return nil, graphErr("execute", "input must be [N,H,W,%d]", Channels)
	}
	if in.Shape[0] < 1 || in.Shape[1] < 1 || in.Shape[2] < 1 {
		return nil, graphErr("execute", "input shape %v has an empty dimension", in.Shape)
	}
	if len(in.Data) != NumElements(in.Shape) {
		return nil, graphErr("execute", "input data length %d does not match shape %v", len(in.Data), in.Shape)
	}
	if len(params) != len(g.shapes) {
		return nil, graphErr("execute", "expected %d parameters, got %d", len(g.shapes), len(params))
	}
	for i, p := range params {
		if p == nil || !SameShape(p.Shape, g.shapes[i]) || len(p.Data) != NumElements(p.Shape) {
			return nil, graphErr("execute", "parameter %d does not match shape %v", i, g.shapes[i])
		}
	}

	n, h, w := in.Shape[0], in.Shape[1], in.Shape[2]
	f := g.cfg.Factor
	out := NewTensor(n, h*f, w*f, Channels)

	inStride := h * w * Channels
	outStride := h * f * w * f * Channels
	for b := 0; b < n; b++ {
		src := in.Data[b*inStride : (b+1)*inStride]
		dst := out.Data[b*outStride : (b+1)*outStride]
		bilinear(src, h, w, Channels, f, dst)
		if !g.cfg.Bilinear() {
			g.residualInto(src, h, w, params, dst)
		}
	}
	return out, nil
}

// residualInto runs the convolutional branch and adds its depth-to-space
// output onto dst.
func (g *Graph) residualInto(src []float32, h, w int, params []*Tensor, dst []float32) {
	c := g.cfg
	outC := Channels * c.Factor * c.Factor
	maxC := c.Width
	if outC > maxC {
		maxC = outC
	}
	g.actA = grow(g.actA, h*w*maxC)
	g.actB = grow(g.actB, h*w*maxC)
	g.residual = grow(g.residual, h*w*outC)
	if c.GlobalNodeFactor > 0 {
		g.pooled = grow(g.pooled, c.Width)
		g.hidden = grow(g.hidden, c.GlobalNodeFactor)
	}

	cur, cin := src, Channels
	bufs := [2][]float32{g.actA, g.actB}
	p := 0
	for i := 0; i < c.LogDepth; i++ {
		act := bufs[i%2][:h*w*c.Width]
		conv3x3(cur, h, w, cin, params[p].Data, params[p+1].Data, c.Width, act)
		p += 2
		relu(act)
		if c.GlobalNodeFactor > 0 {
			globalNode(act, h*w, c.Width, c.GlobalNodeFactor,
				params[p].Data, params[p+1].Data, g.pooled, g.hidden)
			p += 2
		}
		cur, cin = act, c.Width
	}

	res := g.residual[:h*w*outC]
	conv3x3(cur, h, w, cin, params[p].Data, params[p+1].Data, outC, res)
	depthToSpaceAdd(res, h, w, Channels, c.Factor, dst)
}

func grow(buf []float32, n int) []float32 {
	if cap(buf) >= n {
		return buf[:n]
	}
	return make([]float32, n)
}
