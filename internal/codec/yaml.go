package codec

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"mactable/internal/domain"
)

// YAMLCodec handles YAML import/export. Durations are written in
// time.Duration notation ("1.5ms").
type YAMLCodec struct{}

// NewYAMLCodec creates a new YAML codec
func NewYAMLCodec() *YAMLCodec {
	return &YAMLCodec{}
}

// Format returns the codec format identifier
func (c *YAMLCodec) Format() string {
	return "yaml"
}

// Parse reads a run from YAML
func (c *YAMLCodec) Parse(r io.Reader) (*domain.Run, error) {
	var run domain.Run
	if err := yaml.NewDecoder(r).Decode(&run); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &run, nil
}

// Export writes the run as YAML
func (c *YAMLCodec) Export(run *domain.Run, w io.Writer) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(run); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}
	return encoder.Close()
}
