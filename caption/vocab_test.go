package caption

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBuildVocabAssignsDescendingFrequency(t *testing.T) {
	captions := []string{
		"a cat sat",
		"a cat",
		"a dog",
	}
	v, err := BuildVocab(captions, 4)
	if err != nil {
		t.Fatal(err)
	}

	if v.Size() != 7 {
		t.Fatalf("Size() = %d, want k+3 = 7", v.Size())
	}
	if v.StartID() != 5 || v.UnkID() != 6 {
		t.Fatalf("StartID, UnkID = %d, %d, want 5, 6", v.StartID(), v.UnkID())
	}

	// a: 3, cat: 2, then sat/dog tied at 1 in first-appearance order.
	want := map[string]int{"a": 1, "cat": 2, "sat": 3, "dog": 4}
	for w, id := range want {
		if got := v.Lookup(w); got != id {
			t.Errorf("Lookup(%q) = %d, want %d", w, got, id)
		}
	}
}

func TestBuildVocabMapsAreInverses(t *testing.T) {
	v, err := BuildVocab([]string{"red fish blue fish"}, 5)
	if err != nil {
		t.Fatal(err)
	}
	for id := 0; id < v.Size(); id++ {
		w, err := v.Word(id)
		if err != nil {
			t.Fatalf("Word(%d): %v", id, err)
		}
		if w == "" {
			t.Fatalf("id %d unassigned", id)
		}
		if back := v.Lookup(w); back != id {
			t.Errorf("Lookup(Word(%d)) = %d", id, back)
		}
	}
}

func TestBuildVocabErrors(t *testing.T) {
	tests := []struct {
		name     string
		captions []string
		k        int
	}{
		{name: "no captions", captions: nil, k: 5},
		{name: "no tokens", captions: []string{"...", "!!"}, k: 5},
		{name: "bad size", captions: []string{"a cat"}, k: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := BuildVocab(tc.captions, tc.k); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestEncode(t *testing.T) {
	v, err := BuildVocab([]string{"a man rides a horse"}, 10)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		caption string
		want    []int
	}{
		{
			caption: "A man rides a horse",
			want:    []int{v.StartID(), 1, 2, 3, 1, 4, EndID},
		},
		{
			caption: "a man rides a zebra", // zebra is out of vocabulary
			want:    []int{v.StartID(), 1, 2, 3, 1, v.UnkID(), EndID},
		},
		{
			caption: "", // minimum length 2: start+end
			want:    []int{v.StartID(), EndID},
		},
	}
	for _, tc := range tests {
		if diff := cmp.Diff(tc.want, v.Encode(tc.caption)); diff != "" {
			t.Errorf("Encode(%q) mismatch (-want +got):\n%s", tc.caption, diff)
		}
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	// Round trip reproduces the caption's tokens up to case folding and
	// unknown substitution.
	v, err := BuildVocab([]string{"a man rides a horse on the beach"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	got, err := v.Decode(v.Encode("A man RIDES a horse"))
	if err != nil {
		t.Fatal(err)
	}
	if want := "<start> a man rides a horse <end>"; got != want {
		t.Errorf("round trip = %q, want %q", got, want)
	}
}

func TestDecodeOutOfDomainFails(t *testing.T) {
	v, err := BuildVocab([]string{"a cat"}, 2)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []int{-1, v.Size()} {
		if _, err := v.Decode([]int{v.StartID(), id, EndID}); err == nil {
			t.Errorf("Decode with id %d: expected error, got nil", id)
		}
	}
}

func TestVocabJSONRoundTrip(t *testing.T) {
	v, err := BuildVocab([]string{"a man rides a horse", "a cat"}, 4)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := v.SaveJSON(&buf); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadVocabJSON(&buf)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(v.toWord, loaded.toWord); diff != "" {
		t.Errorf("id->word mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(v.toID, loaded.toID); diff != "" {
		t.Errorf("word->id mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadVocabJSONRejectsNonInvertible(t *testing.T) {
	broken := `{"to_id":{"<end>":0,"x":1},"to_word":["<end>","y"],"size":2}`
	if _, err := LoadVocabJSON(strings.NewReader(broken)); err == nil {
		t.Error("expected error for non-invertible artifact, got nil")
	}
}

// The one-caption scenario: K=10 gives 13 entries, encode brackets the two
// word ids, decode restores the marker words.
func TestSingleCaptionScenario(t *testing.T) {
	v, err := BuildVocab([]string{"a cat"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if v.Size() != 13 {
		t.Fatalf("Size() = %d, want 13", v.Size())
	}

	seq := v.Encode("a cat")
	if diff := cmp.Diff([]int{11, 1, 2, 0}, seq); diff != "" {
		t.Fatalf("Encode mismatch (-want +got):\n%s", diff)
	}

	text, err := v.Decode(seq)
	if err != nil {
		t.Fatal(err)
	}
	if want := "<start> a cat <end>"; text != want {
		t.Errorf("Decode = %q, want %q", text, want)
	}
}
