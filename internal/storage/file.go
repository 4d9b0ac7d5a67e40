package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "loopcast/pkg/logx"
)

// fileStore is the line-oriented backend.
//
// Every Save re-reads the whole file to rebuild the known set, so records
// appended by another process are honored. Within one process, mu serializes
// Save so concurrent submissions cannot both miss each other's entries.
// Across processes two writers may still both append the same entry; that
// yields a benign duplicate line, never a rewritten one.
type fileStore struct {
	log  logx.Logger
	path string
	now  func() time.Time

	mu sync.Mutex
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path, now: time.Now}, nil
}

func (s *fileStore) Path() string { return s.path }

func (s *fileStore) Close() error { return nil }

func (s *fileStore) Save(ctx context.Context, candidates []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	fresh := normalizeCandidates(candidates)
	if len(fresh) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	known, err := s.knownLocked()
	if err != nil {
		return 0, err
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("open store: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	at := s.now()
	added := 0
	for _, c := range fresh {
		if _, ok := known[c]; ok {
			continue
		}
		if _, err := w.WriteString(Record{At: at, Entry: c}.Line() + "\n"); err != nil {
			return added, fmt.Errorf("append store: %w", err)
		}
		known[c] = struct{}{}
		added++
	}
	if err := w.Flush(); err != nil {
		return 0, fmt.Errorf("append store: %w", err)
	}
	if added > 0 {
		s.log.Debug("store appended", logx.Int("added", added), logx.Int("skipped", len(fresh)-added))
	}
	return added, nil
}

// knownLocked reads the whole file into a set of entries. A missing file is empty.
func (s *fileStore) knownLocked() (map[string]struct{}, error) {
	known := map[string]struct{}{}
	err := s.scan(func(r Record) { known[r.Entry] = struct{}{} })
	if errors.Is(err, ErrNotFound) {
		return known, nil
	}
	return known, err
}

func (s *fileStore) List(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	if err := s.scan(func(r Record) { out = append(out, r) }); err != nil {
		return nil, err
	}
	return out, nil
}

// scan calls fn for every well-formed line. Lines without '|' are skipped.
func (s *fileStore) scan(fn func(Record)) error {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if r, ok := parseLine(sc.Text()); ok {
			fn(r)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read store: %w", err)
	}
	return nil
}

func parseLine(line string) (Record, bool) {
	ts, entry, ok := strings.Cut(line, "|")
	if !ok {
		return Record{}, false
	}
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return Record{}, false
	}
	at, _ := time.ParseInLocation(TimeLayout, strings.TrimSpace(ts), time.Local)
	return Record{At: at, Entry: entry}, true
}
