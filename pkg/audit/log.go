// Package audit implements the append-only audit log the commit engine
// writes. Entries are hash-chained: each entry's hash covers its payload
// hash and the previous entry's hash, so any mutation or reordering is
// detectable. Payloads are canonicalized (RFC 8785) before hashing so the
// chain is independent of map iteration order.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

var (
	ErrEntryNotFound = errors.New("audit: entry not found")
	ErrChainBroken   = errors.New("audit: hash chain is broken")
)

// EntryType categorizes audit entries.
type EntryType string

const (
	EntryFactCommit     EntryType = "fact_commit"
	EntryFactSupersede  EntryType = "fact_supersede"
	EntryScheduleCommit EntryType = "schedule_commit"
	EntryCommitRejected EntryType = "commit_rejected"
	EntryConfigChange   EntryType = "config_change"
)

// Entry is a single immutable entry in the log. Subject is the canonical
// subject-key string the entry concerns.
type Entry struct {
	EntryID      string          `json:"entry_id"`
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	Type         EntryType       `json:"type"`
	Subject      string          `json:"subject"`
	Action       string          `json:"action"`
	Payload      json.RawMessage `json:"payload"`
	PayloadHash  string          `json:"payload_hash"`
	PreviousHash string          `json:"previous_hash"`
	EntryHash    string          `json:"entry_hash"`
}

// Log is an append-only audit log with hash chaining.
type Log struct {
	mu        sync.RWMutex
	entries   []*Entry
	byID      map[string]*Entry
	sequence  uint64
	chainHead string
	clock     func() time.Time
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{
		byID:      make(map[string]*Entry),
		chainHead: "genesis",
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Append records a new entry. The payload is canonicalized before hashing.
func (l *Log) Append(entryType EntryType, subject, action string, payload any) (*Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serialize audit payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize audit payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sequence++
	entry := &Entry{
		EntryID:      uuid.New().String(),
		Sequence:     l.sequence,
		Timestamp:    l.clock().UTC(),
		Type:         entryType,
		Subject:      subject,
		Action:       action,
		Payload:      canonical,
		PayloadHash:  hash(canonical),
		PreviousHash: l.chainHead,
	}
	entry.EntryHash, err = entryHash(entry)
	if err != nil {
		l.sequence--
		return nil, err
	}
	l.chainHead = entry.EntryHash

	l.entries = append(l.entries, entry)
	l.byID[entry.EntryID] = entry
	return entry, nil
}

func hash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func entryHash(e *Entry) (string, error) {
	hashable := struct {
		Sequence     uint64    `json:"sequence"`
		Timestamp    time.Time `json:"timestamp"`
		Type         EntryType `json:"type"`
		Subject      string    `json:"subject"`
		Action       string    `json:"action"`
		PayloadHash  string    `json:"payload_hash"`
		PreviousHash string    `json:"previous_hash"`
	}{e.Sequence, e.Timestamp, e.Type, e.Subject, e.Action, e.PayloadHash, e.PreviousHash}

	raw, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("marshal entry for hashing: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry for hashing: %w", err)
	}
	return hash(canonical), nil
}

// restore re-attaches a previously persisted entry without recomputing
// hashes. Callers must restore in sequence order and verify afterwards.
func (l *Log) restore(e *Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	l.byID[e.EntryID] = e
	l.sequence = e.Sequence
	l.chainHead = e.EntryHash
}

// RFC 3339 with nanoseconds round-trips through the entry hash, which
// covers the timestamp via its JSON encoding.
func formatTimestamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// Get retrieves an entry by ID.
func (l *Log) Get(entryID string) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.byID[entryID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}

// ChainHead returns the current chain head hash.
func (l *Log) ChainHead() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chainHead
}

// Size returns the number of entries.
func (l *Log) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Filter selects entries for queries.
type Filter struct {
	Type       EntryType
	Subject    string
	MaxResults int
}

// Query returns entries matching the filter in append order.
func (l *Log) Query(f Filter) []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Entry
	for _, e := range l.entries {
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.Subject != "" && e.Subject != f.Subject {
			continue
		}
		out = append(out, e)
		if f.MaxResults > 0 && len(out) >= f.MaxResults {
			break
		}
	}
	return out
}

// VerifyChain recomputes every entry hash and checks chain continuity.
func (l *Log) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	expectedPrev := "genesis"
	for i, entry := range l.entries {
		if entry.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has previous_hash %s, want %s",
				ErrChainBroken, i, entry.PreviousHash, expectedPrev)
		}
		if hash(entry.Payload) != entry.PayloadHash {
			return fmt.Errorf("%w: entry %d payload hash mismatch", ErrChainBroken, i)
		}
		computed, err := entryHash(entry)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrChainBroken, i, err)
		}
		if computed != entry.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, i, computed, entry.EntryHash)
		}
		expectedPrev = entry.EntryHash
	}
	return nil
}
