package mongo

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/brainrun/brains/event"
)

func TestAppendRejectsMissingRunID(t *testing.T) {
	s := &Store{coll: &fakeCollection{}, counters: &fakeCounterCollection{}}
	err := s.Append(context.Background(), event.Event{Type: event.TypeStart})
	assert.Error(t, err)
}

func TestAppendInsertsMarshaledPayload(t *testing.T) {
	coll := &fakeCollection{insertedID: mustOID(t, "000000000000000000000001")}
	s := &Store{coll: coll, counters: &fakeCounterCollection{}}

	e := event.Event{Type: event.TypeStart, RunID: "run-1", At: time.Unix(1, 0).UTC()}
	require.NoError(t, s.Append(context.Background(), e))

	require.Len(t, coll.inserted, 1)
	assert.Equal(t, "run-1", coll.inserted[0].RunID)
	assert.Equal(t, string(event.TypeStart), coll.inserted[0].Type)
	assert.Equal(t, int64(1), coll.inserted[0].Seq)

	roundtripped, err := event.Unmarshal(coll.inserted[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, event.TypeStart, roundtripped.Type)
	assert.Equal(t, "run-1", roundtripped.RunID)
}

func TestAppendAssignsIncreasingSeqPerRun(t *testing.T) {
	coll := &fakeCollection{}
	s := &Store{coll: coll, counters: &fakeCounterCollection{}}

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Append(context.Background(), event.Event{Type: event.TypeStepComplete, RunID: "run-1"}))
	}
	require.NoError(t, s.Append(context.Background(), event.Event{Type: event.TypeStepComplete, RunID: "run-2"}))

	require.Len(t, coll.inserted, 4)
	assert.Equal(t, []int64{1, 2, 3}, []int64{coll.inserted[0].Seq, coll.inserted[1].Seq, coll.inserted[2].Seq})
	assert.Equal(t, int64(1), coll.inserted[3].Seq)
}

func TestAppendSurfacesDuplicateSeqAsError(t *testing.T) {
	coll := &fakeCollection{insertErr: mongodriver.CommandError{Code: 11000, Message: "duplicate key"}}
	s := &Store{coll: coll, counters: &fakeCounterCollection{}}

	err := s.Append(context.Background(), event.Event{Type: event.TypeStepComplete, RunID: "run-1"})
	assert.Error(t, err)
}

func TestLoadPagesAcrossMultipleBatches(t *testing.T) {
	coll := &fakeCollection{findDocs: fakeEventDocuments(t, "run-1", 7)}
	s := &Store{coll: coll, counters: &fakeCounterCollection{}}

	events, err := s.listPageAll(context.Background(), "run-1", 3)
	require.NoError(t, err)
	require.Len(t, events, 7)
	for _, e := range events {
		assert.Equal(t, "run-1", e.RunID)
		assert.Equal(t, event.TypeStepComplete, e.Type)
	}
}

func TestLoadReturnsEventsForOtherRunsUnaffected(t *testing.T) {
	coll := &fakeCollection{findDocs: append(fakeEventDocuments(t, "run-1", 2), fakeEventDocuments(t, "run-2", 3)...)}
	s := &Store{coll: coll, counters: &fakeCounterCollection{}}

	events, err := s.Load(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

// listPageAll exercises Load's internal pagination with a smaller page size
// than the production default, without requiring a 500+ document fixture.
func (s *Store) listPageAll(ctx context.Context, runID string, pageSize int) ([]event.Event, error) {
	var out []event.Event
	cursor := ""
	for {
		page, next, err := s.listPage(ctx, runID, cursor, pageSize)
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

func fakeEventDocuments(t *testing.T, runID string, n int) []eventDocument {
	t.Helper()
	docs := make([]eventDocument, 0, n)
	for i := 1; i <= n; i++ {
		oid := bson.ObjectID{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, byte(i)}
		e := event.Event{Type: event.TypeStepComplete, RunID: runID, At: time.Unix(int64(i), 0).UTC()}
		payload, err := e.Marshal()
		require.NoError(t, err)
		docs = append(docs, eventDocument{
			ID:        oid,
			RunID:     runID,
			Type:      string(event.TypeStepComplete),
			Payload:   payload,
			Timestamp: e.At,
		})
	}
	return docs
}

func mustOID(t *testing.T, hex string) bson.ObjectID {
	t.Helper()
	oid, err := bson.ObjectIDFromHex(hex)
	require.NoError(t, err)
	return oid
}

type fakeCollection struct {
	insertedID bson.ObjectID
	inserted   []eventDocument
	findDocs   []eventDocument
	insertErr  error
}

func (c *fakeCollection) InsertOne(ctx context.Context, document any) (*mongodriver.InsertOneResult, error) {
	if c.insertErr != nil {
		return nil, c.insertErr
	}
	doc, ok := document.(eventDocument)
	if ok {
		c.inserted = append(c.inserted, doc)
	}
	return &mongodriver.InsertOneResult{InsertedID: c.insertedID}, nil
}

func (c *fakeCollection) Find(ctx context.Context, filter bson.M, limit int64) (cursor, error) {
	runID, _ := filter["run_id"].(string)
	var after bson.ObjectID
	if id, ok := filter["_id"].(bson.M); ok {
		if gt, ok := id["$gt"].(bson.ObjectID); ok {
			after = gt
		}
	}

	filtered := make([]eventDocument, 0, len(c.findDocs))
	for _, doc := range c.findDocs {
		if doc.RunID != runID {
			continue
		}
		if !after.IsZero() && bytes.Compare(doc.ID[:], after[:]) <= 0 {
			continue
		}
		filtered = append(filtered, doc)
	}
	if limit > 0 && int64(len(filtered)) > limit {
		filtered = filtered[:limit]
	}
	return &fakeCursor{docs: filtered}, nil
}

func (c *fakeCollection) Indexes() indexView { return fakeIndexView{} }

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel) (string, error) {
	return "", nil
}

// fakeCounterCollection mimics mongoCounterCollection's per-run_id
// monotonic $inc without a live server.
type fakeCounterCollection struct {
	seqs map[string]int64
}

func (c *fakeCounterCollection) Next(ctx context.Context, runID string) (int64, error) {
	if c.seqs == nil {
		c.seqs = map[string]int64{}
	}
	c.seqs[runID]++
	return c.seqs[runID], nil
}

type fakeCursor struct {
	docs []eventDocument
	pos  int
}

func (c *fakeCursor) Next(context.Context) bool {
	if c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeCursor) Decode(val any) error {
	if c.pos == 0 || c.pos > len(c.docs) {
		return nil
	}
	p, ok := val.(*eventDocument)
	if !ok {
		return nil
	}
	*p = c.docs[c.pos-1]
	return nil
}

func (c *fakeCursor) Err() error                  { return nil }
func (c *fakeCursor) Close(context.Context) error { return nil }
