package codec

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"hwtopo/internal/topology"
)

// YAMLCodec handles YAML import/export
type YAMLCodec struct{}

// NewYAMLCodec creates a new YAML codec
func NewYAMLCodec() *YAMLCodec {
	return &YAMLCodec{}
}

// Format returns the codec format identifier
func (c *YAMLCodec) Format() string {
	return "yaml"
}

// Parse imports a topology document from YAML
func (c *YAMLCodec) Parse(r io.Reader) (*topology.FactBase, error) {
	var doc Document
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return doc.Facts()
}

// Export exports a topology document to YAML
func (c *YAMLCodec) Export(fb *topology.FactBase, w io.Writer) error {
	doc, err := NewDocument(fb)
	if err != nil {
		return fmt.Errorf("failed to build document: %w", err)
	}

	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	defer encoder.Close()

	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}

	return nil
}
