package codec

import (
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"hwtopo/internal/topology"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map keys,
// smallest integer encoding, no indefinite-length items. Equal documents
// encode to identical bytes, which Fingerprint depends on.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Bitmaps and distance kinds travel in their text form.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// MarshalCBOR encodes v with the deterministic encoder
func MarshalCBOR(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// UnmarshalCBOR decodes CBOR data into v
func UnmarshalCBOR(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// CBORCodec handles compact binary import/export
type CBORCodec struct{}

// NewCBORCodec creates a new CBOR codec
func NewCBORCodec() *CBORCodec {
	return &CBORCodec{}
}

// Format returns the codec format identifier
func (c *CBORCodec) Format() string {
	return "cbor"
}

// Parse imports a topology document from CBOR
func (c *CBORCodec) Parse(r io.Reader) (*topology.FactBase, error) {
	var doc Document
	if err := decMode.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse CBOR: %w", err)
	}

	return doc.Facts()
}

// Export exports a topology document to CBOR
func (c *CBORCodec) Export(fb *topology.FactBase, w io.Writer) error {
	doc, err := NewDocument(fb)
	if err != nil {
		return fmt.Errorf("failed to build document: %w", err)
	}

	if err := encMode.NewEncoder(w).Encode(doc); err != nil {
		return fmt.Errorf("failed to encode CBOR: %w", err)
	}

	return nil
}
