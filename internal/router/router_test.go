package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SkynetNext/ws-gateway/internal/config"
	"github.com/SkynetNext/ws-gateway/internal/directory"
	"github.com/SkynetNext/ws-gateway/internal/redis"
	"github.com/SkynetNext/ws-gateway/internal/registry"
)

const (
	selfIP   = "10.0.0.1"
	selfPort = 8080
)

type fakeForwarder struct {
	mu      sync.Mutex
	batches []ForwardBatch
	err     error
}

func (f *fakeForwarder) Forward(ctx context.Context, b ForwardBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, b)
	return f.err
}

func (f *fakeForwarder) sent() []ForwardBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ForwardBatch(nil), f.batches...)
}

type inbox struct {
	mu   sync.Mutex
	msgs []string
	err  error
}

func (h *inbox) Deliver(msg string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.msgs = append(h.msgs, msg)
	return nil
}

type fixture struct {
	router *Router
	reg    *registry.Registry
	dir    *directory.Directory
	fwd    *fakeForwarder
	mr     *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&config.RedisConfig{Addr: mr.Addr(), PoolSize: 4})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		reg: registry.New(),
		dir: directory.New(client, 0),
		fwd: &fakeForwarder{},
		mr:  mr,
	}
	f.router = New(f.reg, f.dir, f.fwd, selfIP, selfPort)
	return f
}

func (f *fixture) put(t *testing.T, user string, locs ...directory.NodeLocation) {
	t.Helper()
	require.NoError(t, f.dir.Put(context.Background(), "app", user, &directory.SessionRecord{Nodes: locs}))
}

func (f *fixture) record(t *testing.T, user string) []directory.NodeLocation {
	t.Helper()
	rec, found, err := f.dir.Get(context.Background(), "app", user)
	require.NoError(t, err)
	require.True(t, found)
	return rec.Nodes
}

func local(id string) directory.NodeLocation {
	return directory.NodeLocation{IP: selfIP, Port: selfPort, ConnectionID: id}
}

func remote(ip string, id string) directory.NodeLocation {
	return directory.NodeLocation{IP: ip, Port: selfPort, ConnectionID: id}
}

func TestRoute_AbsentAndEmptyRecords(t *testing.T) {
	f := newFixture(t)
	f.put(t, "empty")

	res := f.router.Route(context.Background(), "app", "tok", []string{"ghost", "empty"}, "hi")
	f.router.Wait()

	assert.Equal(t, Result{Batches: []ForwardBatch{}}, res)
	assert.Empty(t, f.fwd.sent())
}

func TestRoute_LocalDelivery(t *testing.T) {
	f := newFixture(t)
	h := &inbox{}
	f.reg.Register("c1", h)
	f.put(t, "u", local("c1"))

	res := f.router.Route(context.Background(), "app", "tok", []string{"u"}, "hello")

	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, []string{"hello"}, h.msgs)
	assert.Empty(t, res.Batches)
}

func TestRoute_DuplicateUserDeliveredOnce(t *testing.T) {
	f := newFixture(t)
	h := &inbox{}
	f.reg.Register("c1", h)
	f.put(t, "u", local("c1"))

	res := f.router.Route(context.Background(), "app", "tok", []string{"u", "u", "u"}, "hello")

	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, []string{"hello"}, h.msgs)
}

func TestRoute_RemovesStaleLocalEntries(t *testing.T) {
	f := newFixture(t)
	f.reg.Register("live", &inbox{})
	f.reg.Register("closed", &inbox{err: registry.ErrHandleClosed})
	f.put(t, "u", local("gone"), local("live"), local("closed"))

	res := f.router.Route(context.Background(), "app", "tok", []string{"u"}, "hi")

	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 2, res.Stale)
	assert.Equal(t, []directory.NodeLocation{local("live")}, f.record(t, "u"))
}

func TestRoute_UnchangedRecordNotWritten(t *testing.T) {
	f := newFixture(t)
	f.reg.Register("c1", &inbox{})
	f.put(t, "u", local("c1"))
	// A write-back would reset the expiry
	f.mr.SetTTL("app:app:user:u", time.Hour)

	f.router.Route(context.Background(), "app", "tok", []string{"u"}, "hi")

	assert.Equal(t, time.Hour, f.mr.TTL("app:app:user:u"))
}

func TestRoute_BackpressureIsNotStale(t *testing.T) {
	f := newFixture(t)
	f.reg.Register("busy", &inbox{err: registry.ErrBackpressure})
	f.put(t, "u", local("busy"))

	res := f.router.Route(context.Background(), "app", "tok", []string{"u"}, "hi")

	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 0, res.Stale)
	assert.Equal(t, []directory.NodeLocation{local("busy")}, f.record(t, "u"))
}

func TestRoute_FanOutGroupsPerNode(t *testing.T) {
	f := newFixture(t)
	h := &inbox{}
	f.reg.Register("c3", h)
	f.put(t, "u1", remote("10.0.0.2", "a1"))
	f.put(t, "u2", remote("10.0.0.2", "a2"))
	f.put(t, "u3", local("c3"))

	res := f.router.Route(context.Background(), "app", "tok", []string{"u1", "u2", "u3"}, "msg")
	f.router.Wait()

	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, []string{"msg"}, h.msgs)

	sent := f.fwd.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, ForwardBatch{
		IP:       "10.0.0.2",
		Port:     selfPort,
		AppID:    "app",
		AppToken: "tok",
		Message:  "msg",
		UserIDs:  []string{"u1", "u2"},
	}, sent[0])
}

func TestRoute_SameNodeEntriesMergeIntoOneBatch(t *testing.T) {
	f := newFixture(t)
	f.put(t, "u", remote("10.0.0.3", "b1"), remote("10.0.0.3", "b2"))

	f.router.Route(context.Background(), "app", "tok", []string{"u", "u"}, "msg")
	f.router.Wait()

	sent := f.fwd.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"u"}, sent[0].UserIDs)
}

func TestRoute_ForwardFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	f.fwd.err = errors.New("connection refused")
	f.put(t, "u", remote("10.0.0.2", "a1"))

	res := f.router.Route(context.Background(), "app", "tok", []string{"u"}, "msg")
	f.router.Wait()

	assert.Len(t, res.Batches, 1)
	assert.Len(t, f.fwd.sent(), 1, "one attempt, no retry")
}

func TestRoute_ForwardOutlivesRequestContext(t *testing.T) {
	f := newFixture(t)
	f.put(t, "u", remote("10.0.0.2", "a1"))

	ctx, cancel := context.WithCancel(context.Background())
	var forwardCtxErr error
	done := make(chan struct{})
	f.router.forwarder = forwarderFunc(func(fctx context.Context, b ForwardBatch) error {
		<-done
		forwardCtxErr = fctx.Err()
		return nil
	})

	f.router.Route(ctx, "app", "tok", []string{"u"}, "msg")
	cancel()
	close(done)
	f.router.Wait()

	assert.NoError(t, forwardCtxErr)
}

func TestRoute_StoreFailure(t *testing.T) {
	f := newFixture(t)
	f.mr.SetError("ERR store unavailable")

	res := f.router.Route(context.Background(), "app", "tok", []string{"u"}, "msg")
	assert.Zero(t, res.Delivered)
	assert.Empty(t, res.Batches)
}

func TestDeliverLocal_IgnoresRemoteEntries(t *testing.T) {
	f := newFixture(t)
	h := &inbox{}
	f.reg.Register("c1", h)
	f.put(t, "u", local("c1"), local("dead"), remote("10.0.0.2", "a1"))

	res := f.router.DeliverLocal(context.Background(), "app", []string{"u", "u", "nobody"}, "msg")
	f.router.Wait()

	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Stale)
	assert.Equal(t, []string{"msg"}, h.msgs)
	assert.Empty(t, f.fwd.sent(), "ingress never forwards")
	assert.Equal(t, []directory.NodeLocation{local("c1"), remote("10.0.0.2", "a1")}, f.record(t, "u"))
}

func TestSendToConnection(t *testing.T) {
	f := newFixture(t)
	h := &inbox{}
	f.reg.Register("c1", h)

	assert.True(t, f.router.SendToConnection("c1", "private"))
	assert.False(t, f.router.SendToConnection("c2", "private"))
	assert.Equal(t, []string{"private"}, h.msgs)
}

type forwarderFunc func(ctx context.Context, b ForwardBatch) error

func (fn forwarderFunc) Forward(ctx context.Context, b ForwardBatch) error {
	return fn(ctx, b)
}
