package caption

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"unicode"
)

// Reserved marker words. The end marker doubles as the pad id: grid positions
// beyond a sequence's true length hold EndID.
const (
	EndWord   = "<end>"
	StartWord = "<start>"
	UnkWord   = "<unk>"
)

// EndID is fixed at 0; StartID and UnkID depend on the vocabulary size and are
// exposed as methods.
const EndID = 0

// Vocab is a bidirectional mapping between caption words and dense integer
// ids. Ids 1..k are the k most frequent corpus words in descending frequency;
// id 0 is the end/pad marker, k+1 the start marker, k+2 the unknown marker.
type Vocab struct {
	toID   map[string]int
	toWord []string
}

// Tokenize lower-cases a caption and splits it into word tokens
// (letter/digit runs, punctuation discarded).
func Tokenize(caption string) []string {
	return strings.FieldsFunc(strings.ToLower(caption), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// BuildVocab counts word frequencies across the whole corpus and keeps the k
// most frequent words. Ties between equal frequencies are broken by first
// appearance in the corpus (stable sort over insertion order). A corpus that
// tokenizes to nothing is an error, not an empty vocabulary.
//
// The result always has exactly k+3 entries with the start and unknown
// markers at the fixed ids k+1 and k+2. If the corpus has fewer than k
// distinct words, the leftover ids are assigned distinct <unusedN> filler
// words so the two directions stay exact inverses; Encode never produces a
// filler id.
func BuildVocab(captions []string, k int) (*Vocab, error) {
	if k <= 0 {
		return nil, fmt.Errorf("vocabulary size must be positive, got %d", k)
	}

	count := make(map[string]int)
	var order []string // first-appearance order, for the tie-break
	for _, c := range captions {
		for _, w := range Tokenize(c) {
			if count[w] == 0 {
				order = append(order, w)
			}
			count[w]++
		}
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("empty corpus: no tokens in %d captions", len(captions))
	}

	sort.SliceStable(order, func(i, j int) bool {
		return count[order[i]] > count[order[j]]
	})
	if len(order) > k {
		order = order[:k]
	}

	v := &Vocab{
		toID:   make(map[string]int, k+3),
		toWord: make([]string, k+3),
	}
	v.toID[EndWord] = EndID
	v.toWord[EndID] = EndWord
	for i, w := range order {
		v.toID[w] = i + 1
		v.toWord[i+1] = w
	}
	for id := len(order) + 1; id <= k; id++ {
		filler := fmt.Sprintf("<unused%d>", id)
		v.toID[filler] = id
		v.toWord[id] = filler
	}
	v.toID[StartWord] = k + 1
	v.toWord[k+1] = StartWord
	v.toID[UnkWord] = k + 2
	v.toWord[k+2] = UnkWord
	return v, nil
}

// Size returns the total number of ids, reserved markers included.
func (v *Vocab) Size() int { return len(v.toWord) }

// StartID returns the id of the start marker.
func (v *Vocab) StartID() int { return len(v.toWord) - 2 }

// UnkID returns the id substituted for out-of-vocabulary words.
func (v *Vocab) UnkID() int { return len(v.toWord) - 1 }

// Lookup maps a word to its id, falling back to the unknown id.
func (v *Vocab) Lookup(word string) int {
	if id, ok := v.toID[word]; ok {
		return id
	}
	return v.UnkID()
}

// Word maps an id back to its word. An id outside [0, Size()) is a contract
// violation and fails hard.
func (v *Vocab) Word(id int) (string, error) {
	if id < 0 || id >= len(v.toWord) {
		return "", fmt.Errorf("token id %d outside vocabulary domain [0, %d)", id, len(v.toWord))
	}
	return v.toWord[id], nil
}

// Encode converts a raw caption into an id sequence bracketed by the start and
// end markers, substituting the unknown id for out-of-vocabulary words. The
// result is never shorter than 2.
func (v *Vocab) Encode(caption string) []int {
	words := Tokenize(caption)
	seq := make([]int, 0, len(words)+2)
	seq = append(seq, v.StartID())
	for _, w := range words {
		seq = append(seq, v.Lookup(w))
	}
	return append(seq, EndID)
}

// Decode maps an id sequence back to a space-joined string, markers included.
func (v *Vocab) Decode(seq []int) (string, error) {
	words := make([]string, len(seq))
	for i, id := range seq {
		w, err := v.Word(id)
		if err != nil {
			return "", err
		}
		words[i] = w
	}
	return strings.Join(words, " "), nil
}

// vocabData is the persisted artifact shape.
type vocabData struct {
	ToID   map[string]int `json:"to_id"`
	ToWord []string       `json:"to_word"`
	Size   int            `json:"size"`
}

// SaveJSON persists the vocabulary. The artifact round-trips word<->id
// exactly, so evaluation splits reuse the training split's ids.
func (v *Vocab) SaveJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(vocabData{ToID: v.toID, ToWord: v.toWord, Size: v.Size()})
}

// LoadVocabJSON reads a vocabulary artifact written by SaveJSON and verifies
// the two directions are exact inverses.
func LoadVocabJSON(r io.Reader) (*Vocab, error) {
	var d vocabData
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return nil, fmt.Errorf("parsing vocabulary artifact: %w", err)
	}
	if d.Size != len(d.ToWord) || len(d.ToID) != len(d.ToWord) {
		return nil, fmt.Errorf("vocabulary artifact inconsistent: size %d, %d words, %d ids",
			d.Size, len(d.ToWord), len(d.ToID))
	}
	for w, id := range d.ToID {
		if id < 0 || id >= len(d.ToWord) || d.ToWord[id] != w {
			return nil, fmt.Errorf("vocabulary artifact not invertible at %q -> %d", w, id)
		}
	}
	return &Vocab{toID: d.ToID, toWord: d.ToWord}, nil
}

// LoadVocabFile reads a vocabulary artifact from disk.
func LoadVocabFile(path string) (*Vocab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening vocabulary artifact: %w", err)
	}
	defer f.Close()
	return LoadVocabJSON(f)
}
