package directory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SkynetNext/ws-gateway/internal/config"
	"github.com/SkynetNext/ws-gateway/internal/redis"
)

func newTestDirectory(t *testing.T, ttl time.Duration) (*Directory, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&config.RedisConfig{Addr: mr.Addr(), KeyPrefix: "wsg:", PoolSize: 4})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, ttl), mr
}

func liveSet(ids ...string) func(string) bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return func(id string) bool { return set[id] }
}

var (
	nodeA = NodeLocation{IP: "10.0.0.1", Port: 8080}
	nodeB = NodeLocation{IP: "10.0.0.2", Port: 8080}
)

func at(node NodeLocation, id string) NodeLocation {
	node.ConnectionID = id
	return node
}

func TestKey(t *testing.T) {
	assert.Equal(t, "app:A:user:U", Key("A", "U"))
}

func TestDirectory_DefaultConfigUsesBareKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	var cfg config.Config
	cfg.Redis.Addr = mr.Addr()
	config.SetDefaults(&cfg)

	client := redis.NewClient(&cfg.Redis)
	t.Cleanup(func() { _ = client.Close() })
	d := New(client, cfg.Directory.RecordTTL)

	_, err := d.Attach(context.Background(), "A", "U", at(nodeA, "c1"), liveSet())
	require.NoError(t, err)
	assert.Equal(t, []string{"app:A:user:U"}, mr.Keys())
}

func TestDirectory_GetAbsent(t *testing.T) {
	d, _ := newTestDirectory(t, 0)
	rec, found, err := d.Get(context.Background(), "A", "U")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, rec)
}

func TestDirectory_AttachCreates(t *testing.T) {
	d, mr := newTestDirectory(t, 0)
	ctx := context.Background()

	rec, err := d.Attach(ctx, "A", "U", at(nodeA, "c1"), liveSet())
	require.NoError(t, err)
	assert.Equal(t, []NodeLocation{at(nodeA, "c1")}, rec.Nodes)

	raw, err := mr.Get("wsg:app:A:user:U")
	require.NoError(t, err)
	assert.JSONEq(t, `{"nodes":[{"ip":"10.0.0.1","port":8080,"connectionId":"c1"}]}`, raw)
	assert.Equal(t, time.Duration(0), mr.TTL("wsg:app:A:user:U"), "records never expire by default")
}

func TestDirectory_AttachReconcilesOwnNodeOnly(t *testing.T) {
	d, _ := newTestDirectory(t, 0)
	ctx := context.Background()

	require.NoError(t, d.Put(ctx, "A", "U", &SessionRecord{Nodes: []NodeLocation{
		at(nodeA, "dead"),
		at(nodeB, "remote"),
		at(nodeA, "alive"),
	}}))

	_, err := d.Attach(ctx, "A", "U", at(nodeA, "new"), liveSet("alive", "new"))
	require.NoError(t, err)

	rec, found, err := d.Get(ctx, "A", "U")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []NodeLocation{
		at(nodeB, "remote"),
		at(nodeA, "alive"),
		at(nodeA, "new"),
	}, rec.Nodes)
}

func TestDirectory_DetachLeavesEmptyRecord(t *testing.T) {
	d, mr := newTestDirectory(t, 0)
	ctx := context.Background()

	_, err := d.Attach(ctx, "A", "U", at(nodeA, "c1"), liveSet())
	require.NoError(t, err)

	require.NoError(t, d.Detach(ctx, "A", "U", at(nodeA, "c1")))

	rec, found, err := d.Get(ctx, "A", "U")
	require.NoError(t, err)
	assert.True(t, found, "an emptied record stays in place")
	assert.True(t, rec.Empty())

	raw, err := mr.Get("wsg:app:A:user:U")
	require.NoError(t, err)
	assert.JSONEq(t, `{"nodes":[]}`, raw)
}

func TestDirectory_DetachAbsentIsNoop(t *testing.T) {
	d, mr := newTestDirectory(t, 0)
	require.NoError(t, d.Detach(context.Background(), "A", "U", at(nodeA, "c1")))
	assert.False(t, mr.Exists("wsg:app:A:user:U"))
}

func TestDirectory_RecordTTL(t *testing.T) {
	d, mr := newTestDirectory(t, time.Hour)
	_, err := d.Attach(context.Background(), "A", "U", at(nodeA, "c1"), liveSet())
	require.NoError(t, err)
	assert.Equal(t, time.Hour, mr.TTL("wsg:app:A:user:U"))
}

func TestDirectory_StoreFailure(t *testing.T) {
	d, mr := newTestDirectory(t, 0)
	mr.SetError("ERR store unavailable")

	_, err := d.Attach(context.Background(), "A", "U", at(nodeA, "c1"), liveSet())
	assert.Error(t, err)
}

// Concurrent read-modify-write cycles on one record are last-writer-wins:
// the entry added by the slower writer's competitor is lost.
func TestDirectory_ConcurrentAttachLosesUpdate(t *testing.T) {
	d, _ := newTestDirectory(t, 0)
	ctx := context.Background()
	require.NoError(t, d.Put(ctx, "A", "U", &SessionRecord{}))

	onA, _, err := d.Get(ctx, "A", "U")
	require.NoError(t, err)
	onB, _, err := d.Get(ctx, "A", "U")
	require.NoError(t, err)

	onA.Add(at(nodeA, "ca"))
	onB.Add(at(nodeB, "cb"))
	require.NoError(t, d.Put(ctx, "A", "U", onA))
	require.NoError(t, d.Put(ctx, "A", "U", onB))

	rec, _, err := d.Get(ctx, "A", "U")
	require.NoError(t, err)
	assert.Equal(t, []NodeLocation{at(nodeB, "cb")}, rec.Nodes)
}
