// captionrnn trains a word-level recurrent language model over image captions
// and generates captions from a trained checkpoint.
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"captionrnn/caption"
	"captionrnn/model"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "train":
		err = runTrain(os.Args[2:])
	case "generate":
		err = runGenerate(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func printUsage() {
	fmt.Println("captionrnn - word-level recurrent caption language model")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  captionrnn train --captions FILE --out DIR [options]")
	fmt.Println("  captionrnn generate --model DIR [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  train     Train a model from a captions file")
	fmt.Println("  generate  Generate captions from a trained model")
}

// manifest records what a training run saw and produced.
type manifest struct {
	CaptionsPath string    `json:"captions_path"`
	CaptionsHash string    `json:"captions_hash"`
	Records      int       `json:"records"`
	Skipped      int       `json:"skipped_records"`
	VocabSize    int       `json:"vocab_size"`
	EmbedDim     int       `json:"embed_dim"`
	HiddenDim    int       `json:"hidden_dim"`
	Cell         string    `json:"cell"`
	BatchSize    int       `json:"batch_size"`
	Epochs       int       `json:"epochs"`
	LearnRate    float64   `json:"learn_rate"`
	Solver       string    `json:"solver"`
	Seed         int64     `json:"seed"`
	NumParams    int       `json:"num_params"`
	TrainedAt    time.Time `json:"trained_at"`
}

func runTrain(args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	captionsPath := fs.String("captions", "", "captions JSON file (images + annotations)")
	outDir := fs.String("out", "out", "output directory for model artifacts")
	vocabK := fs.Int("vocab", 5000, "number of frequent words to keep")
	embedDim := fs.Int("embed", 300, "embedding width")
	hiddenDim := fs.Int("hidden", 512, "recurrent hidden width")
	cellName := fs.String("cell", "rnn", "recurrent cell: rnn, lstm or gru")
	batchSize := fs.Int("batch", 128, "sequences per batch")
	epochs := fs.Int("epochs", 10, "training epochs")
	learnRate := fs.Float64("lr", 5e-4, "learning rate")
	solverName := fs.String("solver", "adam", "optimizer: adam, rmsprop or sgd")
	seed := fs.Int64("seed", 42, "random seed")
	fs.Parse(args)

	if *captionsPath == "" {
		return fmt.Errorf("train: --captions is required")
	}

	cellKind, err := model.ParseCellKind(*cellName)
	if err != nil {
		return err
	}
	solverKind, err := model.ParseSolverKind(*solverName)
	if err != nil {
		return err
	}

	records, skipped, err := caption.LoadRecords(*captionsPath)
	if err != nil {
		return err
	}
	log.Printf("loaded %d caption records (%d skipped)", len(records), skipped)

	texts := make([]string, len(records))
	for i, r := range records {
		texts[i] = r.Caption
	}
	vocab, err := caption.BuildVocab(texts, *vocabK)
	if err != nil {
		return err
	}
	log.Printf("vocabulary: %d entries", vocab.Size())

	batches, err := caption.Split(caption.EncodeCorpus(records, vocab), *batchSize)
	if err != nil {
		return err
	}
	log.Printf("collated %d batches of up to %d sequences", len(batches), *batchSize)

	rng := rand.New(rand.NewSource(*seed))
	m, err := model.New(model.Config{
		VocabSize: vocab.Size(),
		EmbedDim:  *embedDim,
		HiddenDim: *hiddenDim,
		Cell:      cellKind,
	}, rng)
	if err != nil {
		return err
	}
	log.Printf("model: %s cell, %d parameters", cellKind, m.NumParams())

	trainer, err := model.NewTrainer(m, model.TrainConfig{
		Epochs:    *epochs,
		LearnRate: *learnRate,
		Solver:    solverKind,
	}, rng, log.Printf)
	if err != nil {
		return err
	}
	stats, err := trainer.Run(batches)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	if err := m.SaveFile(filepath.Join(*outDir, "model.gob")); err != nil {
		return err
	}
	vf, err := os.Create(filepath.Join(*outDir, "vocab.json"))
	if err != nil {
		return fmt.Errorf("creating vocabulary artifact: %w", err)
	}
	defer vf.Close()
	if err := vocab.SaveJSON(vf); err != nil {
		return err
	}

	hash, err := hashFile(*captionsPath)
	if err != nil {
		return err
	}
	man := manifest{
		CaptionsPath: *captionsPath,
		CaptionsHash: hash,
		Records:      len(records),
		Skipped:      skipped,
		VocabSize:    vocab.Size(),
		EmbedDim:     *embedDim,
		HiddenDim:    *hiddenDim,
		Cell:         string(cellKind),
		BatchSize:    *batchSize,
		Epochs:       *epochs,
		LearnRate:    *learnRate,
		Solver:       string(solverKind),
		Seed:         *seed,
		NumParams:    m.NumParams(),
		TrainedAt:    time.Now().UTC(),
	}
	if err := writeJSON(filepath.Join(*outDir, "manifest.json"), man); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(*outDir, "metrics.json"), stats); err != nil {
		return err
	}

	log.Printf("artifacts written to %s", *outDir)
	return nil
}

func runGenerate(args []string) error {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	modelDir := fs.String("model", "out", "directory holding model.gob and vocab.json")
	seedWord := fs.String("seed-word", "", "word to start from (default: the start marker)")
	steps := fs.Int("steps", 200, "generation step limit")
	greedy := fs.Bool("greedy", false, "take the argmax token instead of sampling")
	temperature := fs.Float64("temperature", 1.0, "sampling temperature")
	count := fs.Int("n", 3, "number of sequences to generate")
	seed := fs.Int64("seed", time.Now().UnixNano(), "random seed")
	fs.Parse(args)

	vocab, err := caption.LoadVocabFile(filepath.Join(*modelDir, "vocab.json"))
	if err != nil {
		return err
	}
	m, err := model.LoadFile(filepath.Join(*modelDir, "model.gob"))
	if err != nil {
		return err
	}
	if m.Config().VocabSize != vocab.Size() {
		return fmt.Errorf("model expects %d-entry vocabulary, artifact has %d", m.Config().VocabSize, vocab.Size())
	}

	seedID := vocab.StartID()
	if *seedWord != "" {
		seedID = vocab.Lookup(strings.ToLower(*seedWord))
	}

	sampler, err := model.NewSampler(m, rand.New(rand.NewSource(*seed)))
	if err != nil {
		return err
	}
	defer sampler.Close()

	cfg := model.SampleConfig{MaxSteps: *steps, Greedy: *greedy, Temperature: *temperature}
	for i := 0; i < *count; i++ {
		seq, err := sampler.Generate(seedID, cfg)
		if err != nil {
			return err
		}
		text, err := vocab.Decode(seq)
		if err != nil {
			return err
		}
		fmt.Println(stripMarkers(text))
	}
	return nil
}

// stripMarkers drops the start/end markers for display; the raw decode keeps
// them.
func stripMarkers(text string) string {
	words := strings.Fields(text)
	kept := words[:0]
	for _, w := range words {
		if w != caption.StartWord && w != caption.EndWord {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
