// Package mongo implements a MongoDB-backed supervisor.EventLog, the
// durable alternative to adapters/eventlog's in-memory Store for
// multi-process deployments where the run supervisor driving a resume may
// be a different process than the one that started the run.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/brainrun/brains/event"
)

const (
	defaultCollection = "brain_run_events"
	countersSuffix    = "_counters"
	defaultTimeout    = 5 * time.Second
	defaultPageSize   = 500
	clientName        = "eventlog-mongo"
)

// Options configures Store.
type Options struct {
	// Client is an already-connected MongoDB client; connection lifecycle is
	// the caller's responsibility.
	Client *mongodriver.Client
	// Database is the database events are stored in.
	Database string
	// Collection overrides the default collection name.
	Collection string
	// Timeout bounds each individual Mongo operation.
	Timeout time.Duration
}

// Store is a MongoDB-backed supervisor.EventLog: one document per event,
// ordered by insertion via Mongo's own ObjectID generation, queried back in
// that same order by run id.
type Store struct {
	mongo    *mongodriver.Client
	coll     collection
	counters counterCollection
	timeout  time.Duration
}

// eventDocument is the wire shape persisted for one event: Payload is the
// event's own JSON encoding, so the document schema never has to track
// event.Event's field set; RunID and Timestamp are broken out for
// filtering and sorting. Seq is a per-run monotonic sequence number
// assigned atomically by counterCollection.Next and backed by a unique
// (run_id, seq) index, so two processes racing to append the same run's
// next event can never both succeed: the loser's insert fails a
// duplicate-key error instead of silently interleaving or clobbering
// state.
type eventDocument struct {
	ID        bson.ObjectID `bson:"_id,omitempty"`
	RunID     string        `bson:"run_id"`
	Seq       int64         `bson:"seq"`
	Type      string        `bson:"type"`
	Payload   []byte        `bson:"payload"`
	Timestamp time.Time     `bson:"timestamp"`
}

// counterDocument holds the last-assigned seq for one run, keyed by run_id.
type counterDocument struct {
	RunID string `bson:"_id"`
	Seq   int64  `bson:"seq"`
}

// New returns a Store backed by the provided, already-connected client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("eventlog/mongo: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("eventlog/mongo: database name is required")
	}
	collectionName := opts.Collection
	if collectionName == "" {
		collectionName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	mcoll := opts.Client.Database(opts.Database).Collection(collectionName)
	countersColl := opts.Client.Database(opts.Database).Collection(collectionName + countersSuffix)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return &Store{
		mongo:    opts.Client,
		coll:     wrapper,
		counters: mongoCounterCollection{coll: countersColl},
		timeout:  timeout,
	}, nil
}

// Name identifies this store to goa.design/clue's health checker.
func (s *Store) Name() string { return clientName }

// Ping satisfies health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

var _ health.Pinger = (*Store)(nil)

// Append persists e as a new document. Its Seq is assigned atomically by
// s.counters.Next, and the collection's unique (run_id, seq) index is what actually
// enforces at-most-one-writer: if two processes race to append the same
// run's next event (e.g. a stale resume racing a live one), the loser's
// InsertOne fails a duplicate-key error rather than both succeeding. Load
// still replays in Mongo's own _id ObjectID insertion order; seq exists for
// this uniqueness guarantee, not as the replay order itself.
func (s *Store) Append(ctx context.Context, e event.Event) error {
	if e.RunID == "" {
		return errors.New("eventlog/mongo: event has no run id")
	}
	payload, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("eventlog/mongo: marshal event: %w", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	seq, err := s.counters.Next(ctx, e.RunID)
	if err != nil {
		return fmt.Errorf("eventlog/mongo: assign seq: %w", err)
	}

	doc := eventDocument{
		RunID:     e.RunID,
		Seq:       seq,
		Type:      string(e.Type),
		Payload:   payload,
		Timestamp: e.At,
	}
	_, err = s.coll.InsertOne(ctx, doc)
	if err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fmt.Errorf("eventlog/mongo: concurrent writer already appended seq %d for run %s: %w", seq, e.RunID, err)
		}
		return fmt.Errorf("eventlog/mongo: insert event: %w", err)
	}
	return nil
}

// Load returns every event appended for runID, in append order, paging
// through the collection defaultPageSize documents at a time.
func (s *Store) Load(ctx context.Context, runID string) ([]event.Event, error) {
	var out []event.Event
	cursor := ""
	for {
		page, next, err := s.listPage(ctx, runID, cursor, defaultPageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if next == "" {
			break
		}
		cursor = next
	}
	return out, nil
}

func (s *Store) listPage(ctx context.Context, runID, cursor string, limit int) (events []event.Event, next string, err error) {
	filter := bson.M{"run_id": runID}
	if cursor != "" {
		oid, err := bson.ObjectIDFromHex(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("eventlog/mongo: invalid cursor %q: %w", cursor, err)
		}
		filter["_id"] = bson.M{"$gt": oid}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.coll.Find(ctx, filter, int64(limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("eventlog/mongo: find: %w", err)
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	var docs []eventDocument
	for cur.Next(ctx) {
		var doc eventDocument
		if derr := cur.Decode(&doc); derr != nil {
			return nil, "", fmt.Errorf("eventlog/mongo: decode: %w", derr)
		}
		docs = append(docs, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, "", fmt.Errorf("eventlog/mongo: cursor: %w", err)
	}

	if len(docs) > limit {
		next = docs[limit-1].ID.Hex()
		docs = docs[:limit]
	}

	events = make([]event.Event, 0, len(docs))
	for _, doc := range docs {
		e, uerr := event.Unmarshal(doc.Payload)
		if uerr != nil {
			return nil, "", fmt.Errorf("eventlog/mongo: unmarshal event: %w", uerr)
		}
		events = append(events, e)
	}
	return events, next, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	listIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "run_id", Value: 1},
			{Key: "_id", Value: 1},
		},
	}
	if _, err := coll.Indexes().CreateOne(ctx, listIndex); err != nil {
		return err
	}
	// uniqueSeqIndex is the at-most-one-writer enforcement: two inserts for
	// the same (run_id, seq) can never both succeed.
	uniqueSeqIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "run_id", Value: 1},
			{Key: "seq", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, uniqueSeqIndex)
	return err
}

// collection is the narrow surface Store needs from *mongo.Collection,
// letting tests substitute a fake rather than requiring a live server. The
// sort/limit/skip concerns of the real driver's options types stay behind
// mongoCollection, so this interface itself never has to track the
// driver's option-builder API across versions.
type collection interface {
	InsertOne(ctx context.Context, document any) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter bson.M, limit int64) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document)
}

func (c mongoCollection) Find(ctx context.Context, filter bson.M, limit int64) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(limit))
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Next(ctx context.Context) bool   { return c.cur.Next(ctx) }
func (c mongoCursor) Decode(val any) error            { return c.cur.Decode(val) }
func (c mongoCursor) Err() error                      { return c.cur.Err() }
func (c mongoCursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error) {
	return v.view.CreateOne(ctx, model)
}

// counterCollection hands out the next seq for a run_id, letting tests
// substitute an in-memory fake rather than requiring a live server.
type counterCollection interface {
	Next(ctx context.Context, runID string) (int64, error)
}

// mongoCounterCollection assigns seq values via an atomic
// findOneAndUpdate $inc against a sibling counters collection, so
// concurrent Append calls for the same run never hand out the same seq to
// begin with; the unique index on the events collection is the backstop
// for anything that still manages to race past this (a crashed process
// retrying with a stale value, a bug in a future caller).
type mongoCounterCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCounterCollection) Next(ctx context.Context, runID string) (int64, error) {
	filter := bson.M{"_id": runID}
	update := bson.M{"$inc": bson.M{"seq": int64(1)}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc counterDocument
	if err := c.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		return 0, err
	}
	return doc.Seq, nil
}
