package catalogue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// FileSource loads instruments from a JSON snapshot: an array of
// instrument objects.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (f *FileSource) Load(ctx context.Context) ([]Instrument, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read catalogue file: %w", err)
	}

	var instruments []Instrument
	if err := json.Unmarshal(data, &instruments); err != nil {
		return nil, fmt.Errorf("parse catalogue file: %w", err)
	}
	return instruments, nil
}
