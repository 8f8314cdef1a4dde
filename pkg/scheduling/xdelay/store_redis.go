package xdelay

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "xdelay"

var (
	//go:embed lua/add.lua
	addLuaSource string

	//go:embed lua/claim.lua
	claimLuaSource string

	//go:embed lua/remove.lua
	removeLuaSource string

	addScript    = redis.NewScript(addLuaSource)
	claimScript  = redis.NewScript(claimLuaSource)
	removeScript = redis.NewScript(removeLuaSource)
)

// RedisStore 基于 Redis ZSET + HASH 的存储。
//
// ZSET 保存 id 与到期分数，HASH 保存载荷。两个 key 带相同的 hash tag，
// 集群模式下落在同一槽位，Lua 脚本保证二者同步变化。
type RedisStore struct {
	client  redis.UniversalClient
	zsetKey string
	hashKey string
}

// NewRedisStore 创建 Redis 存储，prefix 为空时使用 "xdelay"
func NewRedisStore(client redis.UniversalClient, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	tag := "{" + prefix + "}"
	return &RedisStore{
		client:  client,
		zsetKey: tag + ":zset",
		hashKey: tag + ":payload",
	}, nil
}

// Keys 返回分数集合与载荷哈希的 key
func (s *RedisStore) Keys() (zset, hash string) {
	return s.zsetKey, s.hashKey
}

// Warmup 预加载 Lua 脚本
func (s *RedisStore) Warmup(ctx context.Context) error {
	for name, sc := range map[string]*redis.Script{"add": addScript, "claim": claimScript, "remove": removeScript} {
		if err := sc.Load(ctx, s.client).Err(); err != nil {
			return storeError("load "+name+" script", err)
		}
	}
	return nil
}

func (s *RedisStore) Add(ctx context.Context, task Task, overwrite bool) (bool, error) {
	flag := "0"
	if overwrite {
		flag = "1"
	}
	n, err := addScript.Run(ctx, s.client, []string{s.zsetKey, s.hashKey},
		task.ID, dueScore(task.DueAt), task.Payload, flag).Int64()
	if err != nil {
		return false, storeError("redis add", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.zsetKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(nowScore(now), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, storeError("redis due", err)
	}
	return ids, nil
}

func (s *RedisStore) Claim(ctx context.Context, id string, now time.Time) (Task, bool, error) {
	res, err := claimScript.Run(ctx, s.client, []string{s.zsetKey, s.hashKey},
		id, nowScore(now)).Slice()
	if errors.Is(err, redis.Nil) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, storeError("redis claim", err)
	}
	if len(res) != 2 {
		return Task{}, false, fmt.Errorf("%w: claim reply for %s has %d fields", ErrCorruptEntry, id, len(res))
	}
	scoreStr, _ := res[0].(string)
	score, err := strconv.ParseFloat(scoreStr, 64)
	if err != nil {
		return Task{}, false, fmt.Errorf("%w: score %q for %s", ErrCorruptEntry, scoreStr, id)
	}
	payload, _ := res[1].(string)
	task := Task{ID: id, DueAt: time.UnixMilli(int64(score))}
	if payload != "" {
		task.Payload = []byte(payload)
	}
	return task, true, nil
}

func (s *RedisStore) Remove(ctx context.Context, id string) (bool, error) {
	n, err := removeScript.Run(ctx, s.client, []string{s.zsetKey, s.hashKey}, id).Int64()
	if err != nil {
		return false, storeError("redis remove", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Len(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, s.zsetKey).Result()
	if err != nil {
		return 0, storeError("redis len", err)
	}
	return n, nil
}
