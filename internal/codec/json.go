package codec

import (
	"encoding/json"
	"fmt"
	"io"

	"hwtopo/internal/topology"
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

// Parse imports a topology document from JSON
func (c *JSONCodec) Parse(r io.Reader) (*topology.FactBase, error) {
	var doc Document
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	return doc.Facts()
}

// Export exports a topology document to JSON
func (c *JSONCodec) Export(fb *topology.FactBase, w io.Writer) error {
	doc, err := NewDocument(fb)
	if err != nil {
		return fmt.Errorf("failed to build document: %w", err)
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}

	return nil
}
