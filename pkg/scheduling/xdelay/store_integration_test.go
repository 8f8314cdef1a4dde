//go:build integration

package xdelay

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not found in PATH, skipping integration test")
	}
}

func startContainer(t *testing.T, req testcontainers.ContainerRequest) string {
	t.Helper()
	requireDocker(t)
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("container %s not available: %v", req.Image, err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	endpoint, err := c.Endpoint(ctx, "")
	require.NoError(t, err)
	return endpoint
}

func setupEtcdStore(t *testing.T) *EtcdStore {
	t.Helper()
	endpoint := os.Getenv("XDELAY_ETCD_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://" + startContainer(t, testcontainers.ContainerRequest{
			Image:        "quay.io/coreos/etcd:v3.5.17",
			ExposedPorts: []string{"2379/tcp"},
			Cmd: []string{
				"etcd",
				"--advertise-client-urls=http://0.0.0.0:2379",
				"--listen-client-urls=http://0.0.0.0:2379",
			},
			WaitingFor: wait.ForLog("ready to serve client requests"),
		})
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{endpoint},
		DialTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	s, err := NewEtcdStore(client, fmt.Sprintf("/xdelay-it/%d", time.Now().UnixNano()))
	require.NoError(t, err)
	return s
}

func setupMongoStore(t *testing.T) *MongoStore {
	t.Helper()
	uri := os.Getenv("XDELAY_MONGO_URI")
	if uri == "" {
		uri = "mongodb://" + startContainer(t, testcontainers.ContainerRequest{
			Image:        "mongo:7.0",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForListeningPort("27017/tcp"),
		})
	}
	client, err := mongo.Connect(mongoopts.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	coll := client.Database("xdelay_it").Collection(fmt.Sprintf("tasks_%d", time.Now().UnixNano()))
	t.Cleanup(func() { _ = coll.Drop(context.Background()) })
	require.NoError(t, EnsureMongoIndexes(context.Background(), coll))
	s, err := NewMongoStore(coll)
	require.NoError(t, err)
	return s
}

func TestStores_Integration(t *testing.T) {
	stores := map[string]func(*testing.T) SortedSetStore{
		"etcd":  func(t *testing.T) SortedSetStore { return setupEtcdStore(t) },
		"mongo": func(t *testing.T) SortedSetStore { return setupMongoStore(t) },
	}
	for name, setup := range stores {
		t.Run(name, func(t *testing.T) {
			s := setup(t)
			t.Run("lifecycle", func(t *testing.T) { checkStoreLifecycle(t, s) })
			t.Run("single claimant", func(t *testing.T) { checkSingleClaimant(t, s) })
			t.Run("overwrite", func(t *testing.T) { checkOverwrite(t, s) })
			t.Run("identical add", func(t *testing.T) { checkIdenticalAdd(t, s) })
		})
	}
}

func checkIdenticalAdd(t *testing.T, s SortedSetStore) {
	ctx := context.Background()
	tk := Task{ID: "same", DueAt: time.Now().Add(time.Hour), Payload: []byte("p")}

	added, err := s.Add(ctx, tk, false)
	require.NoError(t, err)
	require.True(t, added)
	added, err = s.Add(ctx, tk, false)
	require.NoError(t, err)
	assert.True(t, added)

	tk.Payload = []byte("q")
	added, err = s.Add(ctx, tk, false)
	require.NoError(t, err)
	assert.False(t, added)

	_, err = s.Remove(ctx, "same")
	require.NoError(t, err)
}

func checkStoreLifecycle(t *testing.T, s SortedSetStore) {
	ctx := context.Background()
	now := time.Now()

	added, err := s.Add(ctx, Task{ID: "a", DueAt: now.Add(-time.Second), Payload: []byte("pa")}, false)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.Add(ctx, Task{ID: "a", DueAt: now.Add(time.Hour)}, false)
	require.NoError(t, err)
	assert.False(t, added)
	_, err = s.Add(ctx, Task{ID: "b", DueAt: now.Add(time.Hour)}, false)
	require.NoError(t, err)

	ids, err := s.Due(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	_, ok, err := s.Claim(ctx, "b", now)
	require.NoError(t, err)
	assert.False(t, ok)

	tk, ok, err := s.Claim(ctx, "a", now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("pa"), tk.Payload)

	removed, err := s.Remove(ctx, "b")
	require.NoError(t, err)
	assert.True(t, removed)
	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func checkSingleClaimant(t *testing.T, s SortedSetStore) {
	ctx := context.Background()
	_, err := s.Add(ctx, Task{ID: "hot", DueAt: time.Now().Add(-time.Millisecond)}, false)
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

func checkOverwrite(t *testing.T, s SortedSetStore) {
	ctx := context.Background()
	now := time.Now()
	_, err := s.Add(ctx, Task{ID: "ow", DueAt: now.Add(time.Hour), Payload: []byte("v1")}, false)
	require.NoError(t, err)
	_, err = s.Add(ctx, Task{ID: "ow", DueAt: now.Add(-time.Second), Payload: []byte("v2")}, true)
	require.NoError(t, err)

	ids, err := s.Due(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"ow"}, ids)
	tk, ok, err := s.Claim(ctx, "ow", now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), tk.Payload)
}
