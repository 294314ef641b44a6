package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyBundle is returned when no entries match the export filter.
var ErrEmptyBundle = errors.New("audit: no entries match filter")

// Bundle is an exportable, independently verifiable slice of the log.
type Bundle struct {
	BundleID   string    `json:"bundle_id"`
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	StartSeq   uint64    `json:"start_sequence"`
	EndSeq     uint64    `json:"end_sequence"`
	EntryCount int       `json:"entry_count"`
	Entries    []*Entry  `json:"entries"`
	ChainHead  string    `json:"chain_head"`
	BundleHash string    `json:"bundle_hash"`
}

// ExportBundle exports entries matching the filter as a verifiable bundle.
func (l *Log) ExportBundle(f Filter) (*Bundle, error) {
	entries := l.Query(f)
	if len(entries) == 0 {
		return nil, ErrEmptyBundle
	}

	bundle := &Bundle{
		BundleID:   uuid.New().String(),
		Version:    "1.0.0",
		CreatedAt:  l.clock().UTC(),
		StartSeq:   entries[0].Sequence,
		EndSeq:     entries[len(entries)-1].Sequence,
		EntryCount: len(entries),
		Entries:    entries,
		ChainHead:  entries[len(entries)-1].EntryHash,
	}

	data, err := json.Marshal(bundle.Entries)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal bundle entries: %w", err)
	}
	bundle.BundleHash = hash(data)
	return bundle, nil
}

// VerifyBundle checks a bundle's hash and its internal chain consistency.
func VerifyBundle(bundle *Bundle) error {
	if len(bundle.Entries) == 0 {
		return ErrEmptyBundle
	}

	data, err := json.Marshal(bundle.Entries)
	if err != nil {
		return fmt.Errorf("audit: marshal bundle entries: %w", err)
	}
	if hash(data) != bundle.BundleHash {
		return fmt.Errorf("%w: bundle hash mismatch", ErrChainBroken)
	}

	for i := 1; i < len(bundle.Entries); i++ {
		if bundle.Entries[i].PreviousHash != bundle.Entries[i-1].EntryHash {
			return fmt.Errorf("%w: bundle chain broken at entry %d", ErrChainBroken, i)
		}
	}
	return nil
}
