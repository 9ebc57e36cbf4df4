package model

import (
	"fmt"
	"math"
	"math/rand"

	"gorgonia.org/gorgonia"

	"captionrnn/caption"
)

// SampleConfig fixes one generation run.
type SampleConfig struct {
	// MaxSteps caps the output length (seed included). Defaults to 200.
	MaxSteps int
	// Greedy takes the highest-scoring token instead of drawing from the
	// distribution.
	Greedy bool
	// Temperature scales logits before the softmax when sampling; values
	// <= 0 mean 1.0 (no scaling).
	Temperature float64
}

// Sampler generates sequences by feeding the model's own output back in, one
// time step at a time. It reads the parameters but never mutates them, and
// its graph has no gradient nodes. It must not be used while a Trainer is
// mutating the same model.
type Sampler struct {
	model     *Model
	vm        gorgonia.VM
	fwd       *forward
	logitsVal gorgonia.Value
	stateVals []gorgonia.Value
	rng       *rand.Rand
}

// NewSampler builds the single-step decode graph once; Generate reuses it for
// every step of every sequence. The rand source drives stochastic decoding
// and is injected so runs are reproducible. Close the sampler when done.
func NewSampler(m *Model, rng *rand.Rand) (*Sampler, error) {
	g := gorgonia.NewGraph()
	fwd, err := m.unroll(g, 1, 1)
	if err != nil {
		return nil, fmt.Errorf("building decode graph: %w", err)
	}

	s := &Sampler{
		model:     m,
		fwd:       fwd,
		stateVals: make([]gorgonia.Value, len(fwd.stateOut)),
		rng:       rng,
	}
	gorgonia.Read(fwd.logits[0], &s.logitsVal)
	for i, n := range fwd.stateOut {
		gorgonia.Read(n, &s.stateVals[i])
	}
	s.vm = gorgonia.NewTapeMachine(g)
	return s, nil
}

// Close releases the decode graph's machine.
func (s *Sampler) Close() { s.vm.Close() }

// Generate runs the decode state machine: start from a zero state and the
// seed token; each step feeds (current token, state) through the model for
// one time step, converts the scores to a distribution and chooses the next
// token per policy; terminate on the end marker or the step limit, whichever
// first. The returned sequence starts with the seed and contains only ids in
// [0, vocabSize).
func (s *Sampler) Generate(seed int, cfg SampleConfig) ([]int, error) {
	vocab := s.model.cfg.VocabSize
	if seed < 0 || seed >= vocab {
		return nil, fmt.Errorf("seed token %d outside vocabulary domain [0, %d)", seed, vocab)
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 200
	}
	temp := float32(cfg.Temperature)
	if temp <= 0 {
		temp = 1
	}

	state := s.model.zeroState(1)
	seq := []int{seed}
	current := seed

	for len(seq) < cfg.MaxSteps {
		x, err := oneHot([]int{current}, vocab)
		if err != nil {
			return nil, err
		}
		if err := gorgonia.Let(s.fwd.inputs[0], x); err != nil {
			return nil, err
		}
		for i, st := range s.fwd.stateIn {
			if err := gorgonia.Let(st, state[i]); err != nil {
				return nil, err
			}
		}
		if err := s.vm.RunAll(); err != nil {
			return nil, fmt.Errorf("decode step %d: %w", len(seq), err)
		}

		logits := make([]float32, vocab)
		copy(logits, s.logitsVal.Data().([]float32))
		for i, v := range s.stateVals {
			copy(state[i].Data().([]float32), v.Data().([]float32))
		}
		s.vm.Reset()

		var next int
		if cfg.Greedy {
			next = argmax(logits)
		} else {
			for i := range logits {
				logits[i] /= temp
			}
			next = sampleFrom(softmax(logits), s.rng)
		}

		seq = append(seq, next)
		if next == caption.EndID {
			break
		}
		current = next
	}
	return seq, nil
}

// softmax normalizes logits in place into a probability distribution,
// max-subtracted for stability.
func softmax(logits []float32) []float32 {
	max := logits[0]
	for _, v := range logits[1:] {
		if v > max {
			max = v
		}
	}
	var sum float32
	for i, v := range logits {
		logits[i] = float32(math.Exp(float64(v - max)))
		sum += logits[i]
	}
	for i := range logits {
		logits[i] /= sum
	}
	return logits
}

// argmax returns the index of the highest score.
func argmax(x []float32) int {
	best, bestV := 0, x[0]
	for i, v := range x {
		if v > bestV {
			best, bestV = i, v
		}
	}
	return best
}

// sampleFrom draws an index proportionally to probs, which must sum to 1.
func sampleFrom(probs []float32, rng *rand.Rand) int {
	r := rng.Float32()
	var cdf float32
	for i, p := range probs {
		cdf += p
		if r < cdf {
			return i
		}
	}
	return len(probs) - 1
}
