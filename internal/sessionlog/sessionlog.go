// Package sessionlog implements the on-disk session log: one JSON-encoded
// message per line, append-only, at
// .mini-agent/sessions/<sessionKey>.jsonl. This is a thin, literal
// file-append implementation on stdlib os/bufio: a local append-only
// per-session file has no need for a database, so none of the pack's
// storage backends (mongo, redis) is wired in here.
package sessionlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/openclaw/miniagent/internal/message"
)

// Store serializes writes per session key (the session lane already
// guarantees single-writer access, but Store adds its own mutex so it is
// safe to use outside that guarantee too, e.g. from tests or tooling).
type Store struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

// New constructs a Store rooted at dir (typically "<workspace>/.mini-agent/sessions").
func New(dir string) *Store {
	return &Store{dir: dir, files: make(map[string]*os.File)}
}

// fileName turns a session key (which may contain ':') into a safe filename
// while keeping it recoverable: colons become double-underscore.
func fileName(sessionKey string) string {
	return strings.ReplaceAll(sessionKey, ":", "__") + ".jsonl"
}

func (s *Store) path(sessionKey string) string {
	return filepath.Join(s.dir, fileName(sessionKey))
}

// Append writes msg as one JSON line to the session's log, creating the
// directory and file on first use.
func (s *Store) Append(sessionKey string, msg message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.openLocked(sessionKey)
	if err != nil {
		return err
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("sessionlog: marshal message: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("sessionlog: append to %s: %w", sessionKey, err)
	}
	return nil
}

func (s *Store) openLocked(sessionKey string) (*os.File, error) {
	if f, ok := s.files[sessionKey]; ok {
		return f, nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("sessionlog: mkdir %s: %w", s.dir, err)
	}
	f, err := os.OpenFile(s.path(sessionKey), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sessionlog: open %s: %w", sessionKey, err)
	}
	s.files[sessionKey] = f
	return f, nil
}

// Load reads every message previously appended for sessionKey, in order. A
// session with no log file yet returns an empty slice and no error.
func (s *Store) Load(sessionKey string) ([]message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path(sessionKey))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sessionlog: open %s: %w", sessionKey, err)
	}
	defer f.Close()

	var msgs []message.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var m message.Message
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("sessionlog: decode %s: %w", sessionKey, err)
		}
		msgs = append(msgs, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("sessionlog: scan %s: %w", sessionKey, err)
	}
	return msgs, nil
}

// List returns every session key with a log file under the store's
// directory, derived from the on-disk filenames.
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sessionlog: readdir %s: %w", s.dir, err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".jsonl")
		keys = append(keys, strings.ReplaceAll(name, "__", ":"))
	}
	return keys, nil
}

// Clear removes a session's log entirely, closing any open file handle
// first. Clearing a session with no log file is not an error.
func (s *Store) Clear(sessionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.files[sessionKey]; ok {
		f.Close()
		delete(s.files, sessionKey)
	}
	if err := os.Remove(s.path(sessionKey)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sessionlog: remove %s: %w", sessionKey, err)
	}
	return nil
}

// Close releases all open file handles.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for key, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.files, key)
	}
	return firstErr
}
