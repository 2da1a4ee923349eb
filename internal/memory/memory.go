// Package memory implements the keyword+recency scored memory retrieval
// component. Store is the contract every backend implements; JSONStore is a
// literal, stdlib-backed store over a flat on-disk format
// (.mini-agent/memory/index.json, a JSON array of entries), and
// internal/memory/mongo supplies a durable backend for deployments that
// need one.
package memory

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Source tags where a memory entry originated.
type Source string

const (
	SourceUser   Source = "user"
	SourceAgent  Source = "agent"
	SourceSystem Source = "system"
)

// Entry is a single memory journal record.
type Entry struct {
	ID          string   `json:"id"`
	Content     string   `json:"content"`
	Source      Source   `json:"source"`
	Tags        []string `json:"tags,omitempty"`
	CreatedAtMs int64    `json:"createdAtMs"`
}

// Store is the retrieval interface every memory backend implements.
type Store interface {
	// Append adds entries to the journal.
	Append(ctx context.Context, entries ...Entry) error
	// Search returns up to limit entries ranked by Score against query,
	// highest first, ties broken by recency (newer first).
	Search(ctx context.Context, query string, limit int) ([]Entry, error)
	// All returns every entry, unranked, in storage order.
	All(ctx context.Context) ([]Entry, error)
}

// Score combines keyword overlap with recency. Keyword overlap is the fraction of
// query terms (lowercased, whitespace-split) found as substrings of the
// entry's content or tags; recency is an exponential decay over entry age
// with a 7-day half-life. The two are weighted 0.7/0.3 and combined
// additively, a simple, auditable scheme appropriate for a flat journal of
// at most a few thousand notes.
func Score(e Entry, query string, nowMs int64) float64 {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return recencyScore(e, nowMs)
	}
	haystack := strings.ToLower(e.Content + " " + strings.Join(e.Tags, " "))
	matched := 0
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			matched++
		}
	}
	keyword := float64(matched) / float64(len(terms))
	return 0.7*keyword + 0.3*recencyScore(e, nowMs)
}

const halfLifeMs = 7 * 24 * 60 * 60 * 1000

func recencyScore(e Entry, nowMs int64) float64 {
	ageMs := nowMs - e.CreatedAtMs
	if ageMs < 0 {
		ageMs = 0
	}
	// 0.5^(age/halfLife), computed without math.Pow's float edge cases for
	// the common case of ageMs == 0.
	if ageMs == 0 {
		return 1
	}
	halves := float64(ageMs) / float64(halfLifeMs)
	return pow(0.5, halves)
}

func pow(base, exp float64) float64 {
	if exp == 0 {
		return 1
	}
	return math.Pow(base, exp)
}

// nowMs returns the current wall time in epoch milliseconds.
func nowMs() int64 { return time.Now().UnixMilli() }

// JSONStore is a flat-file Store backed by a single JSON array at
// ".mini-agent/memory/index.json", serialized with its own mutex: the
// store is single-file and accessed only through its own serialized
// interface.
type JSONStore struct {
	path string

	mu      sync.Mutex
	entries []Entry
	loaded  bool
}

// NewJSONStore builds a JSONStore rooted at path (typically
// "<workspace>/.mini-agent/memory/index.json"). The file is read lazily on
// first use so constructing a store never fails for a not-yet-existing
// journal.
func NewJSONStore(path string) *JSONStore {
	return &JSONStore{path: path}
}

func (s *JSONStore) ensureLoadedLocked() error {
	if s.loaded {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.entries = nil
		s.loaded = true
		return nil
	}
	if err != nil {
		return err
	}
	var entries []Entry
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			return err
		}
	}
	s.entries = entries
	s.loaded = true
	return nil
}

func (s *JSONStore) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}

// Append adds entries to the journal and persists the updated file.
func (s *JSONStore) Append(ctx context.Context, entries ...Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return err
	}
	s.entries = append(s.entries, entries...)
	return s.persistLocked()
}

// Search ranks every entry by Score against query using the current wall
// time, returning the top limit entries.
func (s *JSONStore) Search(ctx context.Context, query string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	return RankForSearch(s.entries, query, limit), nil
}

// All returns every entry in storage order.
func (s *JSONStore) All(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	return append([]Entry{}, s.entries...), nil
}

// RankForSearch scores every entry, sorts descending by score (ties broken
// by newer CreatedAtMs first), and truncates to limit (0 or negative means
// unlimited). Exposed so backends whose persistence layer does not itself
// rank (e.g. internal/memory/mongo) can share this scoring logic.
func RankForSearch(entries []Entry, query string, limit int) []Entry {
	now := nowMs()
	type scored struct {
		entry Entry
		score float64
	}
	buf := make([]scored, len(entries))
	for i, e := range entries {
		buf[i] = scored{entry: e, score: Score(e, query, now)}
	}
	sort.SliceStable(buf, func(i, j int) bool {
		if buf[i].score != buf[j].score {
			return buf[i].score > buf[j].score
		}
		return buf[i].entry.CreatedAtMs > buf[j].entry.CreatedAtMs
	})
	if limit > 0 && limit < len(buf) {
		buf = buf[:limit]
	}
	out := make([]Entry, len(buf))
	for i, s := range buf {
		out[i] = s.entry
	}
	return out
}
