package caption

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestReadRecords(t *testing.T) {
	src := `{
		"images": [{"id": 1}, {"id": 2}],
		"annotations": [
			{"image_id": 1, "caption": "a cat on a mat"},
			{"image_id": 1, "caption": "a sleeping cat"},
			{"image_id": 2, "caption": "a dog"},
			{"image_id": 2, "caption": "   "},
			{"image_id": 99, "caption": "refers to no image"}
		]
	}`
	records, skipped, err := ReadRecords(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	if skipped != 2 {
		t.Errorf("skipped = %d, want 2", skipped)
	}

	want := []Record{
		{ImageID: 1, Caption: "a cat on a mat"},
		{ImageID: 1, Caption: "a sleeping cat"},
		{ImageID: 2, Caption: "a dog"},
	}
	if diff := cmp.Diff(want, records); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestReadRecordsErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{name: "invalid json", src: `{"images": [`},
		{name: "no usable annotation", src: `{"images":[{"id":1}],"annotations":[{"image_id":1,"caption":""}]}`},
		{name: "empty file body", src: `{}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := ReadRecords(strings.NewReader(tc.src)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}
