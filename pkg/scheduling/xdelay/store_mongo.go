package xdelay

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// mongoCollection 存储用到的集合操作，*mongo.Collection 实现此接口
type mongoCollection interface {
	InsertOne(ctx context.Context, document any, opts ...mongoopts.Lister[mongoopts.InsertOneOptions]) (*mongo.InsertOneResult, error)
	ReplaceOne(ctx context.Context, filter any, replacement any, opts ...mongoopts.Lister[mongoopts.ReplaceOptions]) (*mongo.UpdateResult, error)
	Find(ctx context.Context, filter any, opts ...mongoopts.Lister[mongoopts.FindOptions]) (*mongo.Cursor, error)
	FindOneAndDelete(ctx context.Context, filter any, opts ...mongoopts.Lister[mongoopts.FindOneAndDeleteOptions]) *mongo.SingleResult
	DeleteOne(ctx context.Context, filter any, opts ...mongoopts.Lister[mongoopts.DeleteOneOptions]) (*mongo.DeleteResult, error)
	CountDocuments(ctx context.Context, filter any, opts ...mongoopts.Lister[mongoopts.CountOptions]) (int64, error)
}

// mongoTask 集合中的文档，due_at 为毫秒分数
type mongoTask struct {
	ID      string `bson:"_id"`
	DueAt   int64  `bson:"due_at"`
	Payload []byte `bson:"payload,omitempty"`
}

// MongoStore 每个任务一个文档，_id 唯一索引天然拒绝重复 ID。
// 认领使用 FindOneAndDelete，过滤条件同时约束 _id 与 due_at，单文档操作即原子。
type MongoStore struct {
	coll mongoCollection
}

// NewMongoStore 创建 MongoDB 存储。建议先调用 [EnsureMongoIndexes]。
func NewMongoStore(coll *mongo.Collection) (*MongoStore, error) {
	if coll == nil {
		return nil, ErrNilClient
	}
	return &MongoStore{coll: coll}, nil
}

func newMongoStore(coll mongoCollection) *MongoStore {
	return &MongoStore{coll: coll}
}

// EnsureMongoIndexes 在 due_at 上建立升序索引，范围查询依赖它
func EnsureMongoIndexes(ctx context.Context, coll *mongo.Collection) error {
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "due_at", Value: 1}},
		Options: mongoopts.Index().SetName("xdelay_due_at"),
	})
	if err != nil {
		return storeError("mongo create index", err)
	}
	return nil
}

func (s *MongoStore) Add(ctx context.Context, task Task, overwrite bool) (bool, error) {
	doc := mongoTask{ID: task.ID, DueAt: dueScore(task.DueAt), Payload: task.Payload}
	if overwrite {
		_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": task.ID}, doc, mongoopts.Replace().SetUpsert(true))
		if err != nil {
			return false, storeError("mongo upsert", err)
		}
		return true, nil
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return s.sameDoc(ctx, doc)
		}
		return false, storeError("mongo insert", err)
	}
	return true, nil
}

// sameDoc 报告已存在的文档是否与 doc 完全一致
func (s *MongoStore) sameDoc(ctx context.Context, doc mongoTask) (bool, error) {
	filter := bson.M{"_id": doc.ID, "due_at": doc.DueAt, "payload": nil}
	if len(doc.Payload) > 0 {
		filter["payload"] = doc.Payload
	}
	n, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return false, storeError("mongo add compare", err)
	}
	return n > 0, nil
}

func (s *MongoStore) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	opts := mongoopts.Find().
		SetSort(bson.D{{Key: "due_at", Value: 1}}).
		SetLimit(int64(limit)).
		SetProjection(bson.M{"_id": 1})
	cur, err := s.coll.Find(ctx, bson.M{"due_at": bson.M{"$lte": nowScore(now)}}, opts)
	if err != nil {
		return nil, storeError("mongo due", err)
	}
	var docs []mongoTask
	if err := cur.All(ctx, &docs); err != nil {
		return nil, storeError("mongo due decode", err)
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

func (s *MongoStore) Claim(ctx context.Context, id string, now time.Time) (Task, bool, error) {
	res := s.coll.FindOneAndDelete(ctx, bson.M{
		"_id":    id,
		"due_at": bson.M{"$lte": nowScore(now)},
	})
	var doc mongoTask
	if err := res.Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Task{}, false, nil
		}
		return Task{}, false, storeError("mongo claim", err)
	}
	return Task{ID: doc.ID, DueAt: time.UnixMilli(doc.DueAt), Payload: doc.Payload}, true, nil
}

func (s *MongoStore) Remove(ctx context.Context, id string) (bool, error) {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, storeError("mongo remove", err)
	}
	return res.DeletedCount > 0, nil
}

func (s *MongoStore) Len(ctx context.Context) (int64, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, storeError("mongo len", err)
	}
	return n, nil
}
