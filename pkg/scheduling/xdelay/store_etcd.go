package xdelay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// etcdMaxConflicts 乐观锁冲突的最大重试次数
const etcdMaxConflicts = 16

var errEtcdConflict = errors.New("xdelay: etcd transaction conflict")

// EtcdStore 基于 etcd 有序 key 的存储。
//
// 两类 key：
//
//	<prefix>/due/<20 位零填充分数>/<id>  值为载荷，按字典序即按到期时间排序
//	<prefix>/id/<id>                     值为对应的 due key，作为唯一性索引
//
// 所有写操作都是以索引 key 的 revision 为条件的事务，
// 覆盖与取消在冲突时重读后重试。
type EtcdStore struct {
	kv     clientv3.KV
	dueDir string
	idDir  string
}

// NewEtcdStore 创建 etcd 存储，prefix 为空时使用 "/xdelay"
func NewEtcdStore(kv clientv3.KV, prefix string) (*EtcdStore, error) {
	if kv == nil {
		return nil, ErrNilClient
	}
	if prefix == "" {
		prefix = "/" + defaultKeyPrefix
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return &EtcdStore{
		kv:     kv,
		dueDir: prefix + "/due/",
		idDir:  prefix + "/id/",
	}, nil
}

func (s *EtcdStore) dueKey(score int64, id string) string {
	return fmt.Sprintf("%s%020d/%s", s.dueDir, score, id)
}

func (s *EtcdStore) idKey(id string) string {
	return s.idDir + id
}

// parseDueKey 从 due key 解析分数与 id
func (s *EtcdStore) parseDueKey(key string) (int64, string, error) {
	rest, ok := strings.CutPrefix(key, s.dueDir)
	if !ok {
		return 0, "", fmt.Errorf("%w: key %q outside %s", ErrCorruptEntry, key, s.dueDir)
	}
	scoreStr, id, ok := strings.Cut(rest, "/")
	if !ok || id == "" {
		return 0, "", fmt.Errorf("%w: key %q", ErrCorruptEntry, key)
	}
	score, err := strconv.ParseInt(scoreStr, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: key %q: %w", ErrCorruptEntry, key, err)
	}
	return score, id, nil
}

func (s *EtcdStore) Add(ctx context.Context, task Task, overwrite bool) (bool, error) {
	idKey := s.idKey(task.ID)
	dueKey := s.dueKey(dueScore(task.DueAt), task.ID)
	payload := string(task.Payload)

	for range etcdMaxConflicts {
		resp, err := s.kv.Get(ctx, idKey)
		if err != nil {
			return false, storeError("etcd add get", err)
		}
		if len(resp.Kvs) == 0 {
			txn, err := s.kv.Txn(ctx).
				If(clientv3.Compare(clientv3.CreateRevision(idKey), "=", 0)).
				Then(clientv3.OpPut(idKey, dueKey), clientv3.OpPut(dueKey, payload)).
				Commit()
			if err != nil {
				return false, storeError("etcd add", err)
			}
			if txn.Succeeded {
				return true, nil
			}
			continue
		}
		cur := resp.Kvs[0]
		if !overwrite {
			if string(cur.Value) != dueKey {
				return false, nil
			}
			return s.samePayload(ctx, dueKey, payload)
		}

		ops := []clientv3.Op{clientv3.OpPut(idKey, dueKey), clientv3.OpPut(dueKey, payload)}
		if old := string(cur.Value); old != dueKey {
			ops = append([]clientv3.Op{clientv3.OpDelete(old)}, ops...)
		}
		txn, err := s.kv.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(idKey), "=", cur.ModRevision)).
			Then(ops...).
			Commit()
		if err != nil {
			return false, storeError("etcd overwrite", err)
		}
		if txn.Succeeded {
			return true, nil
		}
	}
	return false, storeError("etcd add", errEtcdConflict)
}

// samePayload 报告 dueKey 下的载荷是否等于 payload
func (s *EtcdStore) samePayload(ctx context.Context, dueKey, payload string) (bool, error) {
	resp, err := s.kv.Get(ctx, dueKey)
	if err != nil {
		return false, storeError("etcd add compare", err)
	}
	return len(resp.Kvs) > 0 && string(resp.Kvs[0].Value) == payload, nil
}

func (s *EtcdStore) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	// 上界取 now+1 的分数前缀，区间右开，包含所有分数 <= now 的 key
	end := fmt.Sprintf("%s%020d/", s.dueDir, nowScore(now)+1)
	resp, err := s.kv.Get(ctx, s.dueDir,
		clientv3.WithRange(end),
		clientv3.WithLimit(int64(limit)),
		clientv3.WithKeysOnly(),
	)
	if err != nil {
		return nil, storeError("etcd due", err)
	}
	return s.idsFromKvs(resp.Kvs), nil
}

func (s *EtcdStore) idsFromKvs(kvs []*mvccpb.KeyValue) []string {
	ids := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		if _, id, err := s.parseDueKey(string(kv.Key)); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *EtcdStore) Claim(ctx context.Context, id string, now time.Time) (Task, bool, error) {
	idKey := s.idKey(id)
	resp, err := s.kv.Get(ctx, idKey)
	if err != nil {
		return Task{}, false, storeError("etcd claim get", err)
	}
	if len(resp.Kvs) == 0 {
		return Task{}, false, nil
	}
	cur := resp.Kvs[0]
	dueKey := string(cur.Value)
	score, _, err := s.parseDueKey(dueKey)
	if err != nil {
		return Task{}, false, err
	}
	if score > nowScore(now) {
		return Task{}, false, nil
	}

	// 索引 key 在读取之后被改写（覆盖或被他人认领）则事务失败，视为认领丢失
	txn, err := s.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(idKey), "=", cur.ModRevision)).
		Then(clientv3.OpGet(dueKey), clientv3.OpDelete(dueKey), clientv3.OpDelete(idKey)).
		Commit()
	if err != nil {
		return Task{}, false, storeError("etcd claim", err)
	}
	if !txn.Succeeded {
		return Task{}, false, nil
	}
	task := Task{ID: id, DueAt: time.UnixMilli(score)}
	if kvs := txn.Responses[0].GetResponseRange().GetKvs(); len(kvs) > 0 && len(kvs[0].Value) > 0 {
		task.Payload = kvs[0].Value
	}
	return task, true, nil
}

func (s *EtcdStore) Remove(ctx context.Context, id string) (bool, error) {
	idKey := s.idKey(id)
	for range etcdMaxConflicts {
		resp, err := s.kv.Get(ctx, idKey)
		if err != nil {
			return false, storeError("etcd remove get", err)
		}
		if len(resp.Kvs) == 0 {
			return false, nil
		}
		cur := resp.Kvs[0]
		txn, err := s.kv.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(idKey), "=", cur.ModRevision)).
			Then(clientv3.OpDelete(string(cur.Value)), clientv3.OpDelete(idKey)).
			Commit()
		if err != nil {
			return false, storeError("etcd remove", err)
		}
		if txn.Succeeded {
			return true, nil
		}
	}
	return false, storeError("etcd remove", errEtcdConflict)
}

func (s *EtcdStore) Len(ctx context.Context) (int64, error) {
	resp, err := s.kv.Get(ctx, s.idDir, clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return 0, storeError("etcd len", err)
	}
	return resp.Count, nil
}
