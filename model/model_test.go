package model

import (
	"math/rand"
	"testing"

	"gorgonia.org/gorgonia"
)

// newTestModel builds a small model: 7-entry vocabulary (ids 0..6, start at
// 5, unknown at 6), 3-wide embedding, 4-wide hidden state.
func newTestModel(t *testing.T, kind CellKind) *Model {
	t.Helper()
	m, err := New(Config{VocabSize: 7, EmbedDim: 3, HiddenDim: 4, Cell: kind}, rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestNewValidatesConfig(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "vocab too small", cfg: Config{VocabSize: 3, EmbedDim: 3, HiddenDim: 4, Cell: CellSimple}},
		{name: "zero embed", cfg: Config{VocabSize: 7, HiddenDim: 4, Cell: CellSimple}},
		{name: "zero hidden", cfg: Config{VocabSize: 7, EmbedDim: 3, Cell: CellSimple}},
		{name: "unknown cell", cfg: Config{VocabSize: 7, EmbedDim: 3, HiddenDim: 4, Cell: "elman"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg, rng); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestNumParamsClosedForm(t *testing.T) {
	m := newTestModel(t, CellSimple)
	v, e, h := 7, 3, 4
	// embedding + simple recurrent cell + classifier weights and bias
	want := v*e + (e*h + h*h + h) + h*v + v
	if got := m.NumParams(); got != want {
		t.Errorf("NumParams() = %d, want %d", got, want)
	}
}

func TestNumParamsGrowsWithGatedCells(t *testing.T) {
	simple := newTestModel(t, CellSimple).NumParams()
	gru := newTestModel(t, CellGRU).NumParams()
	lstm := newTestModel(t, CellLSTM).NumParams()
	if !(simple < gru && gru < lstm) {
		t.Errorf("expected simple < gru < lstm, got %d, %d, %d", simple, gru, lstm)
	}
}

// Forward pass is shape-preserving: a [T × B] grid of ids yields T logit
// matrices of shape [B × V] and a final state of shape [B × H].
func TestUnrollShapes(t *testing.T) {
	for _, kind := range []CellKind{CellSimple, CellLSTM, CellGRU} {
		t.Run(string(kind), func(t *testing.T) {
			m := newTestModel(t, kind)
			steps, batch := 3, 2
			grid := [][]int{{5, 5}, {1, 3}, {0, 0}}

			g := gorgonia.NewGraph()
			fwd, err := m.unroll(g, steps, batch)
			if err != nil {
				t.Fatal(err)
			}

			logitVals := make([]gorgonia.Value, steps)
			for i := range fwd.logits {
				gorgonia.Read(fwd.logits[i], &logitVals[i])
			}
			stateVals := make([]gorgonia.Value, len(fwd.stateOut))
			for i := range fwd.stateOut {
				gorgonia.Read(fwd.stateOut[i], &stateVals[i])
			}

			vm := gorgonia.NewTapeMachine(g)
			defer vm.Close()

			for step := 0; step < steps; step++ {
				x, err := oneHot(grid[step], m.Config().VocabSize)
				if err != nil {
					t.Fatal(err)
				}
				if err := gorgonia.Let(fwd.inputs[step], x); err != nil {
					t.Fatal(err)
				}
			}
			for i, zero := range m.zeroState(batch) {
				if err := gorgonia.Let(fwd.stateIn[i], zero); err != nil {
					t.Fatal(err)
				}
			}
			if err := vm.RunAll(); err != nil {
				t.Fatal(err)
			}

			for step, val := range logitVals {
				shape := val.Shape()
				if len(shape) != 2 || shape[0] != batch || shape[1] != m.Config().VocabSize {
					t.Errorf("logits[%d] shape = %v, want [%d %d]", step, shape, batch, m.Config().VocabSize)
				}
			}
			for i, val := range stateVals {
				shape := val.Shape()
				if len(shape) != 2 || shape[0] != batch || shape[1] != m.Config().HiddenDim {
					t.Errorf("state[%d] shape = %v, want [%d %d]", i, shape, batch, m.Config().HiddenDim)
				}
			}
		})
	}
}

func TestOneHotRejectsOutOfDomainIDs(t *testing.T) {
	for _, id := range []int{-1, 7} {
		if _, err := oneHot([]int{id}, 7); err == nil {
			t.Errorf("oneHot with id %d: expected error, got nil", id)
		}
	}
}
