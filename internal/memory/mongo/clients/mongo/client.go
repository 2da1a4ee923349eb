// Package mongo implements the low-level MongoDB client backing the
// durable memory store: a collection-interface wrapping (a mockable seam
// over the concrete driver types) with a single-document-per-key upsert
// idiom, adapted to this package's per-session flat append-only entry
// list, built on the go.mongodb.org/mongo-driver v2 driver.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/openclaw/miniagent/internal/memory"
)

const (
	defaultCollection = "agent_memory"
	defaultTimeout    = 5 * time.Second
	clientName        = "memory-mongo"
)

// Client exposes Mongo-backed operations over memory.Entry journals keyed
// by session key.
type Client interface {
	health.Pinger

	Append(ctx context.Context, sessionKey string, entries []memory.Entry) error
	All(ctx context.Context, sessionKey string) ([]memory.Entry, error)
}

// Options configures the Mongo client implementation.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(collName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return &client{mongo: opts.Client, coll: wrapper, timeout: timeout}, nil
}

func (c *client) Name() string { return clientName }

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Append(ctx context.Context, sessionKey string, entries []memory.Entry) error {
	if sessionKey == "" {
		return errors.New("session key is required")
	}
	if len(entries) == 0 {
		return nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	docs := toEntryDocuments(entries)
	filter := bson.M{"session_key": sessionKey}
	update := bson.M{
		"$setOnInsert": bson.M{"session_key": sessionKey},
		"$set":         bson.M{"updated_at": time.Now().UTC()},
		"$push":        bson.M{"entries": bson.M{"$each": docs}},
	}
	_, err := c.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) All(ctx context.Context, sessionKey string) ([]memory.Entry, error) {
	if sessionKey == "" {
		return nil, errors.New("session key is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"session_key": sessionKey}
	var doc journalDocument
	if err := c.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return fromEntryDocuments(doc.Entries), nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type journalDocument struct {
	SessionKey string          `bson:"session_key"`
	Entries    []entryDocument `bson:"entries"`
	UpdatedAt  time.Time       `bson:"updated_at,omitempty"`
}

type entryDocument struct {
	ID          string    `bson:"id"`
	Content     string    `bson:"content"`
	Source      string    `bson:"source"`
	Tags        []string  `bson:"tags,omitempty"`
	CreatedAtMs int64     `bson:"created_at_ms"`
}

func toEntryDocuments(entries []memory.Entry) []entryDocument {
	out := make([]entryDocument, len(entries))
	for i, e := range entries {
		out[i] = entryDocument{
			ID:          e.ID,
			Content:     e.Content,
			Source:      string(e.Source),
			Tags:        append([]string{}, e.Tags...),
			CreatedAtMs: e.CreatedAtMs,
		}
	}
	return out
}

func fromEntryDocuments(docs []entryDocument) []memory.Entry {
	if len(docs) == 0 {
		return nil
	}
	out := make([]memory.Entry, len(docs))
	for i, d := range docs {
		out[i] = memory.Entry{
			ID:          d.ID,
			Content:     d.Content,
			Source:      memory.Source(d.Source),
			Tags:        append([]string{}, d.Tags...),
			CreatedAtMs: d.CreatedAtMs,
		}
	}
	return out
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_key", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error { return r.res.Decode(val) }

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
