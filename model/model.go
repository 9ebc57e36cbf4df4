// Package model implements a word-level recurrent language model on top of
// gorgonia: an embedding table, a swappable recurrent cell and a linear
// classifier over the vocabulary. Parameters are an explicit value owned by
// the Model; computation graphs are built per unroll length and bind the same
// parameter tensors, so there is no ambient model state.
package model

import (
	"fmt"
	"math"
	"math/rand"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Config fixes the model architecture.
type Config struct {
	VocabSize int
	EmbedDim  int
	HiddenDim int
	Cell      CellKind
}

func (c Config) validate() error {
	if c.VocabSize < 4 {
		return fmt.Errorf("vocabulary size %d is too small (need the 3 reserved ids plus at least one word)", c.VocabSize)
	}
	if c.EmbedDim <= 0 || c.HiddenDim <= 0 {
		return fmt.Errorf("embed dim %d and hidden dim %d must be positive", c.EmbedDim, c.HiddenDim)
	}
	if _, err := cellSpecs(c); err != nil {
		return err
	}
	return nil
}

// Model owns the learned parameters: named dense tensors in a stable order.
// The order matters twice over: learnable binding must line up with the
// solver's per-index state across rebuilt graphs, and checkpoints are
// validated against it.
type Model struct {
	cfg    Config
	params map[string]*tensor.Dense
	order  []string
}

type paramSpec struct {
	name  string
	shape tensor.Shape
	zero  bool // biases start at zero, weights Glorot-uniform
}

// paramSpecs lists every parameter of the configured architecture: embedding,
// cell parameters, classifier. Biases are shaped [1, n] so they broadcast
// along the batch axis.
func paramSpecs(cfg Config) ([]paramSpec, error) {
	cell, err := cellSpecs(cfg)
	if err != nil {
		return nil, err
	}
	specs := []paramSpec{{name: "embed", shape: tensor.Shape{cfg.VocabSize, cfg.EmbedDim}}}
	specs = append(specs, cell...)
	specs = append(specs,
		paramSpec{name: "w_out", shape: tensor.Shape{cfg.HiddenDim, cfg.VocabSize}},
		paramSpec{name: "b_out", shape: tensor.Shape{1, cfg.VocabSize}, zero: true},
	)
	return specs, nil
}

// New builds a model with freshly initialized parameters. The rand source is
// injected so parameter draws are reproducible.
func New(cfg Config, rng *rand.Rand) (*Model, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid model config: %w", err)
	}
	specs, err := paramSpecs(cfg)
	if err != nil {
		return nil, err
	}

	m := &Model{cfg: cfg, params: make(map[string]*tensor.Dense, len(specs))}
	for _, s := range specs {
		backing := make([]float32, s.shape.TotalSize())
		if !s.zero {
			glorotFill(backing, s.shape[0], s.shape[1], rng)
		}
		m.params[s.name] = tensor.New(tensor.WithShape(s.shape...), tensor.WithBacking(backing))
		m.order = append(m.order, s.name)
	}
	return m, nil
}

// glorotFill draws uniformly from [-limit, limit], limit = sqrt(6/(in+out)).
func glorotFill(dst []float32, fanIn, fanOut int, rng *rand.Rand) {
	limit := float32(math.Sqrt(6.0 / float64(fanIn+fanOut)))
	for i := range dst {
		dst[i] = (rng.Float32()*2 - 1) * limit
	}
}

// Config returns the architecture the parameters were built for.
func (m *Model) Config() Config { return m.cfg }

// NumParams returns the total scalar parameter count.
func (m *Model) NumParams() int {
	n := 0
	for _, name := range m.order {
		n += m.params[name].Shape().TotalSize()
	}
	return n
}

// forward is one unrolled computation graph over the model's parameters:
// steps input placeholders, the threaded recurrent state, and per-step
// vocabulary logits. Callers Let the placeholders, run a tape machine over
// the graph, then read logits and final state.
type forward struct {
	inputs     []*gorgonia.Node // steps × [batch, vocab] one-hot
	stateIn    []*gorgonia.Node // cell state placeholders, zeroed by Let
	logits     []*gorgonia.Node // steps × [batch, vocab]
	stateOut   []*gorgonia.Node // state after the last step
	learnables gorgonia.Nodes
}

// unroll builds the forward graph for a [steps × batch] token grid. It is a
// pure function of the placeholders and the model parameters.
func (m *Model) unroll(g *gorgonia.ExprGraph, steps, batch int) (*forward, error) {
	if steps <= 0 || batch <= 0 {
		return nil, fmt.Errorf("unroll needs positive steps and batch, got %d × %d", steps, batch)
	}

	nodes := make(map[string]*gorgonia.Node, len(m.order))
	var learnables gorgonia.Nodes
	for _, name := range m.order {
		n := gorgonia.NodeFromAny(g, m.params[name], gorgonia.WithName(name))
		nodes[name] = n
		learnables = append(learnables, n)
	}

	cell, err := newCell(m.cfg, nodes)
	if err != nil {
		return nil, err
	}

	f := &forward{learnables: learnables}
	for i, shape := range cell.stateShapes(batch) {
		f.stateIn = append(f.stateIn, gorgonia.NewMatrix(g, tensor.Float32,
			gorgonia.WithShape(shape...),
			gorgonia.WithName(fmt.Sprintf("state0_%d", i))))
	}

	state := f.stateIn
	for t := 0; t < steps; t++ {
		x := gorgonia.NewMatrix(g, tensor.Float32,
			gorgonia.WithShape(batch, m.cfg.VocabSize),
			gorgonia.WithName(fmt.Sprintf("x_%d", t)))
		f.inputs = append(f.inputs, x)

		// Embedding lookup as one-hot × table, per the graph engine's idiom.
		emb, err := gorgonia.Mul(x, nodes["embed"])
		if err != nil {
			return nil, fmt.Errorf("embedding lookup at step %d: %w", t, err)
		}

		out, next, err := cell.step(emb, state)
		if err != nil {
			return nil, fmt.Errorf("recurrent step %d: %w", t, err)
		}
		state = next

		proj, err := gorgonia.Mul(out, nodes["w_out"])
		if err != nil {
			return nil, fmt.Errorf("classifier at step %d: %w", t, err)
		}
		logits, err := gorgonia.BroadcastAdd(proj, nodes["b_out"], nil, []byte{0})
		if err != nil {
			return nil, fmt.Errorf("classifier bias at step %d: %w", t, err)
		}
		f.logits = append(f.logits, logits)
	}
	f.stateOut = state
	return f, nil
}

// zeroState allocates fresh zero-valued state tensors for a batch.
func (m *Model) zeroState(batch int) []*tensor.Dense {
	var states []*tensor.Dense
	for _, shape := range stateShapesFor(m.cfg, batch) {
		states = append(states, tensor.New(
			tensor.WithShape(shape...),
			tensor.WithBacking(make([]float32, shape.TotalSize()))))
	}
	return states
}

// oneHot lays a batch of token ids out as a [batch, vocab] one-hot matrix.
func oneHot(ids []int, vocab int) (*tensor.Dense, error) {
	backing := make([]float32, len(ids)*vocab)
	for b, id := range ids {
		if id < 0 || id >= vocab {
			return nil, fmt.Errorf("token id %d outside vocabulary domain [0, %d)", id, vocab)
		}
		backing[b*vocab+id] = 1
	}
	return tensor.New(tensor.WithShape(len(ids), vocab), tensor.WithBacking(backing)), nil
}
