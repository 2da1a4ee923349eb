// Package mongo wires memory.Store to the MongoDB client, the durable
// backend the workspace-local JSONStore's single-file design does not
// offer, via a thin Options/NewStore/NewStoreFromMongo wrapping pattern.
// Search itself stays local, scoring the journal loaded via the client's
// All: the keyword+recency scheme is a read-side ranking over a small
// per-session journal rather than something worth pushing into a database
// query.
package mongo

import (
	"context"
	"errors"

	"github.com/openclaw/miniagent/internal/memory"
	clientsmongo "github.com/openclaw/miniagent/internal/memory/mongo/clients/mongo"
)

// Options configures the Store wrapper.
type Options struct {
	Client     clientsmongo.Client
	SessionKey string
}

// Store implements memory.Store for one session by delegating to the Mongo
// client.
type Store struct {
	client     clientsmongo.Client
	sessionKey string
}

// NewStore builds a Mongo-backed memory store using the provided client,
// scoped to one session's journal.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	if opts.SessionKey == "" {
		return nil, errors.New("session key is required")
	}
	return &Store{client: opts.Client, sessionKey: opts.SessionKey}, nil
}

// NewStoreFromMongo is a helper that instantiates the underlying client
// using the given options.
func NewStoreFromMongo(mongoOpts clientsmongo.Options, sessionKey string) (*Store, error) {
	client, err := clientsmongo.New(mongoOpts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: client, SessionKey: sessionKey})
}

// Append adds entries to the session's journal.
func (s *Store) Append(ctx context.Context, entries ...memory.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.client.Append(ctx, s.sessionKey, entries)
}

// All returns every entry in the session's journal.
func (s *Store) All(ctx context.Context) ([]memory.Entry, error) {
	return s.client.All(ctx, s.sessionKey)
}

// Search loads the full journal and ranks it by memory.Score.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]memory.Entry, error) {
	entries, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	return memory.RankForSearch(entries, query, limit), nil
}
