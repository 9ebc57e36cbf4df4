package model

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"gorgonia.org/tensor"
)

// checkpoint is the persisted parameter set. Flat float32 slices round-trip
// bit-exactly through gob, so a loaded model's forward outputs match the
// saved model's.
type checkpoint struct {
	Config Config
	Params map[string][]float32
	Shapes map[string][]int
}

// Save writes the config and every named parameter.
func (m *Model) Save(w io.Writer) error {
	ck := checkpoint{
		Config: m.cfg,
		Params: make(map[string][]float32, len(m.order)),
		Shapes: make(map[string][]int, len(m.order)),
	}
	for _, name := range m.order {
		p := m.params[name]
		data := make([]float32, len(p.Data().([]float32)))
		copy(data, p.Data().([]float32))
		ck.Params[name] = data
		ck.Shapes[name] = []int(p.Shape())
	}
	if err := gob.NewEncoder(w).Encode(ck); err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	return nil
}

// SaveFile writes a checkpoint to disk.
func (m *Model) SaveFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating checkpoint file: %w", err)
	}
	defer f.Close()
	return m.Save(f)
}

// Load reads a checkpoint and validates its parameter names and shapes
// against the architecture it declares.
func Load(r io.Reader) (*Model, error) {
	var ck checkpoint
	if err := gob.NewDecoder(r).Decode(&ck); err != nil {
		return nil, fmt.Errorf("decoding checkpoint: %w", err)
	}
	if err := ck.Config.validate(); err != nil {
		return nil, fmt.Errorf("checkpoint config: %w", err)
	}

	specs, err := paramSpecs(ck.Config)
	if err != nil {
		return nil, err
	}
	if len(specs) != len(ck.Params) {
		return nil, fmt.Errorf("checkpoint holds %d parameters, architecture needs %d", len(ck.Params), len(specs))
	}

	m := &Model{cfg: ck.Config, params: make(map[string]*tensor.Dense, len(specs))}
	for _, s := range specs {
		data, ok := ck.Params[s.name]
		if !ok {
			return nil, fmt.Errorf("checkpoint missing parameter %q", s.name)
		}
		shape := tensor.Shape(ck.Shapes[s.name])
		if !shape.Eq(s.shape) {
			return nil, fmt.Errorf("parameter %q has shape %v, want %v", s.name, shape, s.shape)
		}
		if len(data) != s.shape.TotalSize() {
			return nil, fmt.Errorf("parameter %q holds %d values, want %d", s.name, len(data), s.shape.TotalSize())
		}
		backing := make([]float32, len(data))
		copy(backing, data)
		m.params[s.name] = tensor.New(tensor.WithShape(s.shape...), tensor.WithBacking(backing))
		m.order = append(m.order, s.name)
	}
	return m, nil
}

// LoadFile reads a checkpoint from disk.
func LoadFile(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint file: %w", err)
	}
	defer f.Close()
	return Load(f)
}
