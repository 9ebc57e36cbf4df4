package model

import (
	"fmt"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// CellKind selects the recurrent core. All kinds expose the same step
// contract, so swapping one for another touches nothing outside this file.
type CellKind string

const (
	CellSimple CellKind = "rnn"
	CellLSTM   CellKind = "lstm"
	CellGRU    CellKind = "gru"
)

// ParseCellKind maps a config string to a cell kind.
func ParseCellKind(s string) (CellKind, error) {
	switch CellKind(s) {
	case CellSimple, CellLSTM, CellGRU:
		return CellKind(s), nil
	}
	return "", fmt.Errorf("unknown cell kind %q (want rnn, lstm or gru)", s)
}

// cell applies one recurrent time step inside a graph: embedded input plus
// carried state in, hidden output plus next state out. The LSTM carries two
// state tensors (hidden and cell), the others one.
type cell interface {
	step(x *gorgonia.Node, state []*gorgonia.Node) (out *gorgonia.Node, next []*gorgonia.Node, err error)
	stateShapes(batch int) []tensor.Shape
}

// cellSpecs lists the configured cell's parameters.
func cellSpecs(cfg Config) ([]paramSpec, error) {
	e, h := cfg.EmbedDim, cfg.HiddenDim
	gate := func(name string) []paramSpec {
		return []paramSpec{
			{name: "wx_" + name, shape: tensor.Shape{e, h}},
			{name: "wh_" + name, shape: tensor.Shape{h, h}},
			{name: "b_" + name, shape: tensor.Shape{1, h}, zero: true},
		}
	}
	switch cfg.Cell {
	case CellSimple:
		return gate("h"), nil
	case CellLSTM:
		var specs []paramSpec
		for _, g := range []string{"i", "f", "g", "o"} {
			specs = append(specs, gate(g)...)
		}
		return specs, nil
	case CellGRU:
		var specs []paramSpec
		for _, g := range []string{"z", "r", "c"} {
			specs = append(specs, gate(g)...)
		}
		return specs, nil
	}
	return nil, fmt.Errorf("unknown cell kind %q", cfg.Cell)
}

func stateShapesFor(cfg Config, batch int) []tensor.Shape {
	hidden := tensor.Shape{batch, cfg.HiddenDim}
	if cfg.Cell == CellLSTM {
		return []tensor.Shape{hidden, hidden.Clone()}
	}
	return []tensor.Shape{hidden}
}

// newCell wires a cell over parameter nodes already bound into a graph.
func newCell(cfg Config, nodes map[string]*gorgonia.Node) (cell, error) {
	switch cfg.Cell {
	case CellSimple:
		return &rnnCell{cfg: cfg, nodes: nodes}, nil
	case CellLSTM:
		return &lstmCell{cfg: cfg, nodes: nodes}, nil
	case CellGRU:
		return &gruCell{cfg: cfg, nodes: nodes}, nil
	}
	return nil, fmt.Errorf("unknown cell kind %q", cfg.Cell)
}

// preact computes x·Wx + h·Wh + b for one gate, bias broadcast over the batch.
func preact(x, h *gorgonia.Node, nodes map[string]*gorgonia.Node, gate string) (*gorgonia.Node, error) {
	xw, err := gorgonia.Mul(x, nodes["wx_"+gate])
	if err != nil {
		return nil, fmt.Errorf("gate %s input projection: %w", gate, err)
	}
	hw, err := gorgonia.Mul(h, nodes["wh_"+gate])
	if err != nil {
		return nil, fmt.Errorf("gate %s recurrent projection: %w", gate, err)
	}
	sum, err := gorgonia.Add(xw, hw)
	if err != nil {
		return nil, err
	}
	return gorgonia.BroadcastAdd(sum, nodes["b_"+gate], nil, []byte{0})
}

// rnnCell: h' = tanh(x·Wxh + h·Whh + b).
type rnnCell struct {
	cfg   Config
	nodes map[string]*gorgonia.Node
}

func (c *rnnCell) stateShapes(batch int) []tensor.Shape { return stateShapesFor(c.cfg, batch) }

func (c *rnnCell) step(x *gorgonia.Node, state []*gorgonia.Node) (*gorgonia.Node, []*gorgonia.Node, error) {
	pre, err := preact(x, state[0], c.nodes, "h")
	if err != nil {
		return nil, nil, err
	}
	h, err := gorgonia.Tanh(pre)
	if err != nil {
		return nil, nil, err
	}
	return h, []*gorgonia.Node{h}, nil
}

// lstmCell: the standard four-gate cell. Sigmoid input/forget/output gates,
// tanh candidate, additive cell-state update.
type lstmCell struct {
	cfg   Config
	nodes map[string]*gorgonia.Node
}

func (c *lstmCell) stateShapes(batch int) []tensor.Shape { return stateShapesFor(c.cfg, batch) }

func (c *lstmCell) step(x *gorgonia.Node, state []*gorgonia.Node) (*gorgonia.Node, []*gorgonia.Node, error) {
	hPrev, cPrev := state[0], state[1]

	gates := make(map[string]*gorgonia.Node, 4)
	for _, g := range []string{"i", "f", "g", "o"} {
		pre, err := preact(x, hPrev, c.nodes, g)
		if err != nil {
			return nil, nil, err
		}
		var act *gorgonia.Node
		if g == "g" {
			act, err = gorgonia.Tanh(pre)
		} else {
			act, err = gorgonia.Sigmoid(pre)
		}
		if err != nil {
			return nil, nil, err
		}
		gates[g] = act
	}

	keep, err := gorgonia.HadamardProd(gates["f"], cPrev)
	if err != nil {
		return nil, nil, err
	}
	write, err := gorgonia.HadamardProd(gates["i"], gates["g"])
	if err != nil {
		return nil, nil, err
	}
	cNext, err := gorgonia.Add(keep, write)
	if err != nil {
		return nil, nil, err
	}
	cOut, err := gorgonia.Tanh(cNext)
	if err != nil {
		return nil, nil, err
	}
	hNext, err := gorgonia.HadamardProd(gates["o"], cOut)
	if err != nil {
		return nil, nil, err
	}
	return hNext, []*gorgonia.Node{hNext, cNext}, nil
}

// gruCell: update gate z, reset gate r, candidate c.
// h' = (1-z)∘h + z∘tanh(x·Wxc + (r∘h)·Whc + bc)
type gruCell struct {
	cfg   Config
	nodes map[string]*gorgonia.Node
}

func (c *gruCell) stateShapes(batch int) []tensor.Shape { return stateShapesFor(c.cfg, batch) }

func (c *gruCell) step(x *gorgonia.Node, state []*gorgonia.Node) (*gorgonia.Node, []*gorgonia.Node, error) {
	hPrev := state[0]

	zPre, err := preact(x, hPrev, c.nodes, "z")
	if err != nil {
		return nil, nil, err
	}
	z, err := gorgonia.Sigmoid(zPre)
	if err != nil {
		return nil, nil, err
	}
	rPre, err := preact(x, hPrev, c.nodes, "r")
	if err != nil {
		return nil, nil, err
	}
	r, err := gorgonia.Sigmoid(rPre)
	if err != nil {
		return nil, nil, err
	}

	reset, err := gorgonia.HadamardProd(r, hPrev)
	if err != nil {
		return nil, nil, err
	}
	candPre, err := preact(x, reset, c.nodes, "c")
	if err != nil {
		return nil, nil, err
	}
	cand, err := gorgonia.Tanh(candPre)
	if err != nil {
		return nil, nil, err
	}

	carry, err := gorgonia.Sub(gorgonia.NewConstant(float32(1)), z)
	if err != nil {
		return nil, nil, err
	}
	kept, err := gorgonia.HadamardProd(carry, hPrev)
	if err != nil {
		return nil, nil, err
	}
	update, err := gorgonia.HadamardProd(z, cand)
	if err != nil {
		return nil, nil, err
	}
	hNext, err := gorgonia.Add(kept, update)
	if err != nil {
		return nil, nil, err
	}
	return hNext, []*gorgonia.Node{hNext}, nil
}
