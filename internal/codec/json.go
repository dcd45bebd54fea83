package codec

import (
	"encoding/json"
	"fmt"
	"io"

	"mactable/internal/domain"
)

// JSONCodec handles JSON import/export
type JSONCodec struct{}

// NewJSONCodec creates a new JSON codec
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

// Format returns the codec format identifier
func (c *JSONCodec) Format() string {
	return "json"
}

// Parse reads a run from JSON
func (c *JSONCodec) Parse(r io.Reader) (*domain.Run, error) {
	var run domain.Run
	if err := json.NewDecoder(r).Decode(&run); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &run, nil
}

// Export writes the run as indented JSON
func (c *JSONCodec) Export(run *domain.Run, w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(run); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}
