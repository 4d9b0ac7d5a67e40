package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("store not found")
)

// TimeLayout is the timestamp layout of every stored record.
const TimeLayout = "2006-01-02 15:04:05"

// Config configures storage.
//
// Driver values:
//   - "file": line-oriented text file
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is one stored entry. Identity is Entry; it is unique across the store.
type Record struct {
	At    time.Time
	Entry string
}

// Line renders the record in the file layout.
func (r Record) Line() string {
	return r.At.Format(TimeLayout) + " | " + r.Entry
}

// Store is the append-only record API used by the submission flow.
type Store interface {
	// Save appends the new, non-empty, trimmed candidates and reports how many were added.
	Save(ctx context.Context, candidates []string) (added int, err error)
	// List returns every record in insertion order. ErrNotFound if nothing was ever stored.
	List(ctx context.Context) ([]Record, error)
	// Path is the on-disk location of the store.
	Path() string
	Close() error
}

// Fingerprint derives the stored identity of an operator key.
// Blank keys have no fingerprint.
func Fingerprint(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(key))
	return "sha256:" + hex.EncodeToString(sum[:])[:16]
}

// normalizeCandidates trims, drops blanks and de-duplicates within the batch, keeping order.
func normalizeCandidates(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, c := range in {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
