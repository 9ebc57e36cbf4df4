package model

import (
	"fmt"
	"math"
	"math/rand"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"captionrnn/caption"
)

// SolverKind selects the parameter-update rule. The loop's contract is the
// same for all of them: one atomic update per batch, after the backward pass.
type SolverKind string

const (
	SolverAdam    SolverKind = "adam"
	SolverRMSProp SolverKind = "rmsprop"
	SolverSGD     SolverKind = "sgd"
)

// ParseSolverKind maps a config string to a solver kind.
func ParseSolverKind(s string) (SolverKind, error) {
	switch SolverKind(s) {
	case SolverAdam, SolverRMSProp, SolverSGD:
		return SolverKind(s), nil
	}
	return "", fmt.Errorf("unknown solver %q (want adam, rmsprop or sgd)", s)
}

// TrainConfig fixes the training-loop hyperparameters.
type TrainConfig struct {
	Epochs    int
	LearnRate float64
	Solver    SolverKind
}

// EpochStats reports one epoch: mean per-token loss, token accuracy over
// non-padded positions, and perplexity.
type EpochStats struct {
	Epoch      int     `json:"epoch"`
	Loss       float64 `json:"loss"`
	Accuracy   float64 `json:"accuracy"`
	Perplexity float64 `json:"perplexity"`
}

// Trainer owns the solver state and mutates the model's parameters. It is the
// only writer of those parameters; sampling concurrently with a running
// trainer is unsafe (checkpoint-snapshot the model first if needed).
type Trainer struct {
	model  *Model
	cfg    TrainConfig
	solver gorgonia.Solver
	rng    *rand.Rand
	logf   func(format string, args ...any)
}

// NewTrainer wires a trainer for the model. The rand source drives epoch
// shuffling; logf receives progress lines (pass nil to silence).
func NewTrainer(m *Model, cfg TrainConfig, rng *rand.Rand, logf func(string, ...any)) (*Trainer, error) {
	if cfg.Epochs <= 0 {
		return nil, fmt.Errorf("epoch count must be positive, got %d", cfg.Epochs)
	}
	if cfg.LearnRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", cfg.LearnRate)
	}
	var solver gorgonia.Solver
	switch cfg.Solver {
	case SolverAdam, "":
		solver = gorgonia.NewAdamSolver(gorgonia.WithLearnRate(cfg.LearnRate))
	case SolverRMSProp:
		solver = gorgonia.NewRMSPropSolver(gorgonia.WithLearnRate(cfg.LearnRate))
	case SolverSGD:
		solver = gorgonia.NewVanillaSolver(gorgonia.WithLearnRate(cfg.LearnRate))
	default:
		return nil, fmt.Errorf("unknown solver %q", cfg.Solver)
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Trainer{model: m, cfg: cfg, solver: solver, rng: rng, logf: logf}, nil
}

// ShiftTargets builds the next-token target grid: target[t] = input[t+1], and
// the vacated final step is all pad.
func ShiftTargets(tokens [][]int) [][]int {
	targets := make([][]int, len(tokens))
	for t := 0; t+1 < len(tokens); t++ {
		targets[t] = tokens[t+1]
	}
	targets[len(tokens)-1] = make([]int, len(tokens[0])) // caption.PadID == 0
	return targets
}

// lossMask marks the grid positions that carry a real prediction target.
// Position t of a length-L slot counts iff t+1 < L: the mask derives from
// true lengths, not from the pad value, because the end marker shares id 0
// with padding and must itself be predicted.
func lossMask(lengths []int, steps int) [][]float32 {
	mask := make([][]float32, steps)
	for t := range mask {
		mask[t] = make([]float32, len(lengths))
		for b, l := range lengths {
			if t+1 < l {
				mask[t][b] = 1
			}
		}
	}
	return mask
}

// Run iterates the configured number of epochs over the collated batches,
// shuffling batch order each epoch, and returns per-epoch stats. Any batch
// failure aborts the epoch: there are no retry semantics. Between batches the
// parameters are always consistent, since updates apply only in solver.Step.
func (t *Trainer) Run(batches []*caption.Batch) ([]EpochStats, error) {
	if len(batches) == 0 {
		return nil, fmt.Errorf("no batches to train on")
	}

	order := make([]*caption.Batch, len(batches))
	copy(order, batches)

	var stats []EpochStats
	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		t.rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})

		var lossSum float64
		var correct, total int
		for i, b := range order {
			loss, c, n, err := t.Step(b)
			if err != nil {
				return stats, fmt.Errorf("epoch %d, batch %d: %w", epoch, i, err)
			}
			lossSum += loss * float64(n)
			correct += c
			total += n
		}

		s := EpochStats{
			Epoch:    epoch,
			Loss:     lossSum / float64(total),
			Accuracy: float64(correct) / float64(total),
		}
		s.Perplexity = math.Exp(s.Loss)
		stats = append(stats, s)
		t.logf("epoch %d: loss=%.4f acc=%.4f ppl=%.2f", epoch, s.Loss, s.Accuracy, s.Perplexity)
	}
	return stats, nil
}

// Step runs one teacher-forced batch: forward over the whole unroll from a
// single zero state, masked cross-entropy, backward pass, then one solver
// update. Returns the mean per-token loss and the correct/total token counts
// over non-masked positions.
func (t *Trainer) Step(b *caption.Batch) (loss float64, correct, total int, err error) {
	steps, batch := b.Steps(), b.Size()
	vocab := t.model.cfg.VocabSize
	targets := ShiftTargets(b.Tokens)
	mask := lossMask(b.Lengths, steps)

	nTokens := 0
	for _, row := range mask {
		for _, m := range row {
			if m != 0 {
				nTokens++
			}
		}
	}
	if nTokens == 0 {
		return 0, 0, 0, fmt.Errorf("batch has no prediction targets")
	}

	g := gorgonia.NewGraph()
	fwd, err := t.model.unroll(g, steps, batch)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("building training graph: %w", err)
	}

	// Per-step loss: -log of the probability assigned to the target token,
	// masked, summed, then averaged over the real token count.
	eps := gorgonia.NewConstant(float32(1e-8))
	targetNodes := make([]*gorgonia.Node, steps)
	maskNodes := make([]*gorgonia.Node, steps)
	probVals := make([]gorgonia.Value, steps)
	var sum *gorgonia.Node
	for step := 0; step < steps; step++ {
		probs, err := gorgonia.SoftMax(fwd.logits[step], 1)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("softmax at step %d: %w", step, err)
		}
		gorgonia.Read(probs, &probVals[step])

		targetNodes[step] = gorgonia.NewMatrix(g, tensor.Float32,
			gorgonia.WithShape(batch, vocab),
			gorgonia.WithName(fmt.Sprintf("y_%d", step)))
		picked, err := gorgonia.HadamardProd(probs, targetNodes[step])
		if err != nil {
			return 0, 0, 0, err
		}
		pickedSum, err := gorgonia.Sum(picked, 1)
		if err != nil {
			return 0, 0, 0, err
		}
		safe, err := gorgonia.Add(pickedSum, eps)
		if err != nil {
			return 0, 0, 0, err
		}
		logp, err := gorgonia.Log(safe)
		if err != nil {
			return 0, 0, 0, err
		}

		maskNodes[step] = gorgonia.NewVector(g, tensor.Float32,
			gorgonia.WithShape(batch),
			gorgonia.WithName(fmt.Sprintf("mask_%d", step)))
		masked, err := gorgonia.HadamardProd(logp, maskNodes[step])
		if err != nil {
			return 0, 0, 0, err
		}
		stepSum, err := gorgonia.Sum(masked)
		if err != nil {
			return 0, 0, 0, err
		}
		if sum == nil {
			sum = stepSum
		} else if sum, err = gorgonia.Add(sum, stepSum); err != nil {
			return 0, 0, 0, err
		}
	}

	neg, err := gorgonia.Neg(sum)
	if err != nil {
		return 0, 0, 0, err
	}
	cost, err := gorgonia.Mul(neg, gorgonia.NewConstant(float32(1.0/float64(nTokens))))
	if err != nil {
		return 0, 0, 0, err
	}
	var costVal gorgonia.Value
	gorgonia.Read(cost, &costVal)

	if _, err := gorgonia.Grad(cost, fwd.learnables...); err != nil {
		return 0, 0, 0, fmt.Errorf("backward pass: %w", err)
	}

	vm := gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(fwd.learnables...))
	defer vm.Close()

	for step := 0; step < steps; step++ {
		x, err := oneHot(b.Tokens[step], vocab)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("input at step %d: %w", step, err)
		}
		if err := gorgonia.Let(fwd.inputs[step], x); err != nil {
			return 0, 0, 0, err
		}
		y, err := oneHot(targets[step], vocab)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("target at step %d: %w", step, err)
		}
		if err := gorgonia.Let(targetNodes[step], y); err != nil {
			return 0, 0, 0, err
		}
		mrow := make([]float32, batch)
		copy(mrow, mask[step])
		mt := tensor.New(tensor.WithShape(batch), tensor.WithBacking(mrow))
		if err := gorgonia.Let(maskNodes[step], mt); err != nil {
			return 0, 0, 0, err
		}
	}
	for i, zero := range t.model.zeroState(batch) {
		if err := gorgonia.Let(fwd.stateIn[i], zero); err != nil {
			return 0, 0, 0, err
		}
	}

	if err := vm.RunAll(); err != nil {
		return 0, 0, 0, fmt.Errorf("forward/backward run: %w", err)
	}

	loss = float64(costVal.Data().(float32))
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, 0, 0, fmt.Errorf("divergent loss %v, aborting before parameter update", loss)
	}

	if err := t.solver.Step(gorgonia.NodesToValueGrads(fwd.learnables)); err != nil {
		return 0, 0, 0, fmt.Errorf("solver step: %w", err)
	}

	correct, total = countMatches(probVals, targets, mask, batch, vocab)
	return loss, correct, total, nil
}

// countMatches scores argmax predictions against targets over masked
// positions only.
func countMatches(probVals []gorgonia.Value, targets [][]int, mask [][]float32, batch, vocab int) (correct, total int) {
	for step, val := range probVals {
		if val == nil {
			continue
		}
		data := val.Data().([]float32)
		for b := 0; b < batch; b++ {
			if mask[step][b] == 0 {
				continue
			}
			total++
			if argmax(data[b*vocab:(b+1)*vocab]) == targets[step][b] {
				correct++
			}
		}
	}
	return correct, total
}
