package caption

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// Record pairs an image identifier with one raw caption string. Many records
// may share an image id (multiple captions per image). Immutable once loaded.
type Record struct {
	ImageID int
	Caption string
}

type captionsFile struct {
	Images []struct {
		ID int `json:"id"`
	} `json:"images"`
	Annotations []struct {
		ImageID int    `json:"image_id"`
		Caption string `json:"caption"`
	} `json:"annotations"`
}

// ReadRecords parses a captions file: an array of image records and an array
// of annotation records, each annotation referencing an image by id. Malformed
// annotations (empty caption, reference to an unlisted image) are skipped and
// counted; a file that yields no usable record at all is an error.
func ReadRecords(r io.Reader) (records []Record, skipped int, err error) {
	var f captionsFile
	dec := json.NewDecoder(r)
	if err := dec.Decode(&f); err != nil {
		return nil, 0, fmt.Errorf("parsing captions file: %w", err)
	}

	known := make(map[int]bool, len(f.Images))
	for _, img := range f.Images {
		known[img.ID] = true
	}

	for _, ann := range f.Annotations {
		if strings.TrimSpace(ann.Caption) == "" || !known[ann.ImageID] {
			skipped++
			continue
		}
		records = append(records, Record{ImageID: ann.ImageID, Caption: ann.Caption})
	}

	if len(records) == 0 {
		return nil, skipped, fmt.Errorf("captions file holds no usable annotation (%d skipped)", skipped)
	}
	return records, skipped, nil
}

// LoadRecords reads a captions file from disk. See ReadRecords.
func LoadRecords(path string) ([]Record, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening captions file: %w", err)
	}
	defer f.Close()
	return ReadRecords(f)
}
