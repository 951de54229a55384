package codec

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"hwtopo/internal/topology"
)

// Digest is a 32-byte BLAKE3 digest
type Digest [32]byte

// fingerprintKey separates topology fingerprints from any other BLAKE3 use
// of the same bytes. ASCII of the domain name, zero padded.
var fingerprintKey = [32]byte{
	'h', 'w', 't', 'o', 'p', 'o', '.', 't', 'o', 'p', 'o', 'l', 'o', 'g', 'y', '.',
	'f', 'i', 'n', 'g', 'e', 'r', 'p', 'r', 'i', 'n', 't', 0, 0, 0, 0, 0,
}

// Fingerprint hashes the deterministic CBOR document of fb. Two fact bases
// describing the same tree, matrices and attribute values in the same order
// have the same fingerprint.
func Fingerprint(fb *topology.FactBase) (Digest, error) {
	doc, err := NewDocument(fb)
	if err != nil {
		return Digest{}, fmt.Errorf("failed to build document: %w", err)
	}
	data, err := encMode.Marshal(doc)
	if err != nil {
		return Digest{}, fmt.Errorf("failed to encode CBOR: %w", err)
	}

	hasher, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		return Digest{}, fmt.Errorf("failed to initialize BLAKE3: %w", err)
	}
	hasher.Write(data)

	var d Digest
	copy(d[:], hasher.Sum(nil))
	return d, nil
}

// FingerprintTopology fingerprints the current generation of topo
func FingerprintTopology(topo *topology.Topology) (Digest, error) {
	fb, err := topo.Facts()
	if err != nil {
		return Digest{}, err
	}
	return Fingerprint(fb)
}

// String returns the lowercase hex form
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the zero digest
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalText implements encoding.TextMarshaler
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest parses the hex form produced by String
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("invalid digest %q: %w", s, err)
	}
	if len(raw) != len(d) {
		return d, fmt.Errorf("invalid digest %q: want %d bytes, got %d", s, len(d), len(raw))
	}
	copy(d[:], raw)
	return d, nil
}
