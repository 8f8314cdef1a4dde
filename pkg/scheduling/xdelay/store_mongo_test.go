package xdelay

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// fakeCollection 内存中的 mongoCollection，按 MongoStore 构造的过滤条件解释查询
type fakeCollection struct {
	mu   sync.Mutex
	docs map[string]mongoTask
	err  error
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]mongoTask)}
}

func (c *fakeCollection) InsertOne(_ context.Context, document any, _ ...mongoopts.Lister[mongoopts.InsertOneOptions]) (*mongo.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	doc := document.(mongoTask)
	if _, ok := c.docs[doc.ID]; ok {
		return nil, mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000, Message: "E11000 duplicate key error"}}}
	}
	c.docs[doc.ID] = doc
	return &mongo.InsertOneResult{InsertedID: doc.ID}, nil
}

func (c *fakeCollection) ReplaceOne(_ context.Context, filter any, replacement any, _ ...mongoopts.Lister[mongoopts.ReplaceOptions]) (*mongo.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	id := filter.(bson.M)["_id"].(string)
	_, existed := c.docs[id]
	c.docs[id] = replacement.(mongoTask)
	res := &mongo.UpdateResult{}
	if existed {
		res.MatchedCount, res.ModifiedCount = 1, 1
	} else {
		res.UpsertedCount = 1
	}
	return res, nil
}

func (c *fakeCollection) Find(_ context.Context, filter any, opts ...mongoopts.Lister[mongoopts.FindOptions]) (*mongo.Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	var fo mongoopts.FindOptions
	for _, l := range opts {
		for _, set := range l.List() {
			_ = set(&fo)
		}
	}
	limit := dueLimit(filter)
	var matched []mongoTask
	for _, d := range c.docs {
		if d.DueAt <= limit {
			matched = append(matched, d)
		}
	}
	slices.SortFunc(matched, func(a, b mongoTask) int { return int(a.DueAt - b.DueAt) })
	if fo.Limit != nil && int64(len(matched)) > *fo.Limit {
		matched = matched[:*fo.Limit]
	}
	out := make([]any, 0, len(matched))
	for _, d := range matched {
		out = append(out, bson.M{"_id": d.ID})
	}
	return mongo.NewCursorFromDocuments(out, nil, nil)
}

func (c *fakeCollection) FindOneAndDelete(_ context.Context, filter any, _ ...mongoopts.Lister[mongoopts.FindOneAndDeleteOptions]) *mongo.SingleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return mongo.NewSingleResultFromDocument(bson.D{}, c.err, nil)
	}
	id := filter.(bson.M)["_id"].(string)
	d, ok := c.docs[id]
	if !ok || d.DueAt > dueLimit(filter) {
		return mongo.NewSingleResultFromDocument(bson.D{}, mongo.ErrNoDocuments, nil)
	}
	delete(c.docs, id)
	return mongo.NewSingleResultFromDocument(d, nil, nil)
}

func (c *fakeCollection) DeleteOne(_ context.Context, filter any, _ ...mongoopts.Lister[mongoopts.DeleteOneOptions]) (*mongo.DeleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	id := filter.(bson.M)["_id"].(string)
	if _, ok := c.docs[id]; !ok {
		return &mongo.DeleteResult{}, nil
	}
	delete(c.docs, id)
	return &mongo.DeleteResult{DeletedCount: 1}, nil
}

func (c *fakeCollection) CountDocuments(_ context.Context, filter any, _ ...mongoopts.Lister[mongoopts.CountOptions]) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	f := filter.(bson.M)
	if len(f) == 0 {
		return int64(len(c.docs)), nil
	}
	d, ok := c.docs[f["_id"].(string)]
	payload, _ := f["payload"].([]byte)
	if ok && d.DueAt == f["due_at"].(int64) && bytes.Equal(d.Payload, payload) {
		return 1, nil
	}
	return 0, nil
}

func (c *fakeCollection) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func dueLimit(filter any) int64 {
	return filter.(bson.M)["due_at"].(bson.M)["$lte"].(int64)
}

func TestMongoStore_AddClaimRemove(t *testing.T) {
	coll := newFakeCollection()
	s := newMongoStore(coll)
	ctx := context.Background()
	now := time.Now()

	added, err := s.Add(ctx, Task{ID: "a", DueAt: now.Add(-time.Second), Payload: []byte("p")}, false)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.Add(ctx, Task{ID: "a", DueAt: now.Add(time.Hour)}, false)
	require.NoError(t, err)
	assert.False(t, added)

	_, err = s.Add(ctx, Task{ID: "b", DueAt: now.Add(time.Hour)}, false)
	require.NoError(t, err)
	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ids, err := s.Due(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	_, ok, err := s.Claim(ctx, "b", now)
	require.NoError(t, err)
	assert.False(t, ok)

	tk, ok, err := s.Claim(ctx, "a", now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("p"), tk.Payload)
	assert.False(t, now.Add(-time.Second).After(tk.DueAt))

	_, ok, err = s.Claim(ctx, "a", now)
	require.NoError(t, err)
	assert.False(t, ok)

	removed, err := s.Remove(ctx, "b")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.Remove(ctx, "b")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestMongoStore_OverwriteUpserts(t *testing.T) {
	coll := newFakeCollection()
	s := newMongoStore(coll)
	ctx := context.Background()
	now := time.Now()

	added, err := s.Add(ctx, Task{ID: "a", DueAt: now.Add(time.Hour), Payload: []byte("v1")}, true)
	require.NoError(t, err)
	assert.True(t, added)
	_, err = s.Add(ctx, Task{ID: "a", DueAt: now.Add(-time.Minute), Payload: []byte("v2")}, true)
	require.NoError(t, err)

	tk, ok, err := s.Claim(ctx, "a", now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), tk.Payload)
}

func TestMongoStore_DueLimit(t *testing.T) {
	s := newMongoStore(newFakeCollection())
	ctx := context.Background()
	now := time.Now()
	for i, id := range []string{"c", "a", "b"} {
		_, err := s.Add(ctx, Task{ID: id, DueAt: now.Add(-time.Duration(3-i) * time.Second)}, false)
		require.NoError(t, err)
	}
	ids, err := s.Due(ctx, now, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, ids)
}

func TestMongoStore_ConcurrentClaim(t *testing.T) {
	s := newMongoStore(newFakeCollection())
	ctx := context.Background()
	_, err := s.Add(ctx, Task{ID: "hot", DueAt: time.Now().Add(-time.Second)}, false)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			if _, ok, err := s.Claim(ctx, "hot", time.Now()); err == nil && ok {
				wins.Add(1)
			}
		})
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMongoStore_TransientErrors(t *testing.T) {
	coll := newFakeCollection()
	s := newMongoStore(coll)
	ctx := context.Background()
	coll.setErr(errors.New("server selection timeout"))

	_, err := s.Add(ctx, Task{ID: "a", DueAt: time.Now()}, false)
	assert.True(t, IsTransient(err))
	_, err = s.Add(ctx, Task{ID: "a", DueAt: time.Now()}, true)
	assert.True(t, IsTransient(err))
	_, err = s.Due(ctx, time.Now(), 1)
	assert.True(t, IsTransient(err))
	_, _, err = s.Claim(ctx, "a", time.Now())
	assert.True(t, IsTransient(err))
	_, err = s.Remove(ctx, "a")
	assert.True(t, IsTransient(err))
	_, err = s.Len(ctx)
	assert.True(t, IsTransient(err))
}

func TestNewMongoStore_NilCollection(t *testing.T) {
	_, err := NewMongoStore(nil)
	assert.ErrorIs(t, err, ErrNilClient)
}

func TestMongoStore_AddIdenticalIsIdempotent(t *testing.T) {
	s := newMongoStore(newFakeCollection())
	ctx := context.Background()
	due := time.Now().Add(time.Hour)

	for _, tk := range []Task{
		{ID: "a", DueAt: due, Payload: []byte("close order")},
		{ID: "empty", DueAt: due},
	} {
		added, err := s.Add(ctx, tk, false)
		require.NoError(t, err)
		require.True(t, added)
		added, err = s.Add(ctx, tk, false)
		require.NoError(t, err)
		assert.True(t, added, "re-adding %s unchanged", tk.ID)
	}

	added, err := s.Add(ctx, Task{ID: "a", DueAt: due, Payload: []byte("other")}, false)
	require.NoError(t, err)
	assert.False(t, added)
	added, err = s.Add(ctx, Task{ID: "empty", DueAt: due, Payload: []byte("x")}, false)
	require.NoError(t, err)
	assert.False(t, added)
}
