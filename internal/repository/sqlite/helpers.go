package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hwtopo/internal/codec"
	"hwtopo/internal/repository"
	"hwtopo/internal/topology"
)

// ============================================================================
// Null Type Conversion Helpers
// ============================================================================

// nullToString safely converts sql.NullString to string
func nullToString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// stringToNull safely converts string to sql.NullString
func stringToNull(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// unixToTime converts stored nanoseconds back to UTC time
func unixToTime(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

// ============================================================================
// Facts Encoding
// ============================================================================

// encodeFacts returns the CBOR document stored for fb and its fingerprint
func encodeFacts(fb *topology.FactBase) ([]byte, codec.Digest, error) {
	doc, err := codec.NewDocument(fb)
	if err != nil {
		return nil, codec.Digest{}, fmt.Errorf("failed to build document: %w", err)
	}
	blob, err := codec.MarshalCBOR(doc)
	if err != nil {
		return nil, codec.Digest{}, fmt.Errorf("failed to encode facts: %w", err)
	}
	id, err := codec.Fingerprint(fb)
	if err != nil {
		return nil, codec.Digest{}, err
	}
	return blob, id, nil
}

func decodeFacts(blob []byte) (*topology.FactBase, error) {
	var doc codec.Document
	if err := codec.UnmarshalCBOR(blob, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode facts: %w", err)
	}
	return doc.Facts()
}

// ============================================================================
// Row Scanning
// ============================================================================

const snapshotColumns = `id, label, source, generation, objects, created_at`

// snapshotRow holds the scanned metadata columns of a snapshot
type snapshotRow struct {
	id         string
	label      sql.NullString
	source     sql.NullString
	generation int64
	objects    int
	createdAt  int64
}

func (r *snapshotRow) scanArgs() []any {
	return []any{&r.id, &r.label, &r.source, &r.generation, &r.objects, &r.createdAt}
}

func (r *snapshotRow) toSnapshot() (*repository.Snapshot, error) {
	id, err := codec.ParseDigest(r.id)
	if err != nil {
		return nil, fmt.Errorf("corrupt snapshot id %q: %w", r.id, err)
	}
	return &repository.Snapshot{
		ID:         id,
		Label:      nullToString(r.label),
		Source:     nullToString(r.source),
		Generation: uint64(r.generation),
		Objects:    r.objects,
		CreatedAt:  unixToTime(r.createdAt),
	}, nil
}

// scanFullSnapshot scans metadata columns followed by the facts blob
func scanFullSnapshot(row *sql.Row) (*repository.Snapshot, error) {
	var sr snapshotRow
	var blob []byte
	if err := row.Scan(append(sr.scanArgs(), &blob)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan snapshot: %w", err)
	}

	snap, err := sr.toSnapshot()
	if err != nil {
		return nil, err
	}
	if snap.Facts, err = decodeFacts(blob); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", snap.ID, err)
	}
	return snap, nil
}

// snapshotInsertArgs returns the arguments of the snapshot INSERT
func snapshotInsertArgs(snap *repository.Snapshot, blob []byte) []any {
	return []any{
		snap.ID.String(),
		stringToNull(snap.Label),
		stringToNull(snap.Source),
		int64(snap.Generation),
		snap.Objects,
		blob,
		snap.CreatedAt.UnixNano(),
	}
}
