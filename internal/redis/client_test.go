package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SkynetNext/ws-gateway/internal/config"
)

func newTestClient(t *testing.T, prefix string) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewClient(&config.RedisConfig{Addr: mr.Addr(), KeyPrefix: prefix, PoolSize: 2})
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestClient_JSON(t *testing.T) {
	c, mr := newTestClient(t, "wsg:")
	ctx := context.Background()

	var got map[string]int
	found, err := c.GetJSON(ctx, "missing", &got)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.SetJSON(ctx, "k", map[string]int{"a": 1}, 0))
	assert.True(t, mr.Exists("wsg:k"), "keys carry the prefix")
	assert.Equal(t, time.Duration(0), mr.TTL("wsg:k"))

	found, err = c.GetJSON(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, map[string]int{"a": 1}, got)
}

func TestClient_GetJSONMalformed(t *testing.T) {
	c, mr := newTestClient(t, "")
	require.NoError(t, mr.Set("bad", "{not json"))

	var v map[string]any
	_, err := c.GetJSON(context.Background(), "bad", &v)
	assert.Error(t, err)
}

func TestClient_LoginToken(t *testing.T) {
	c, mr := newTestClient(t, "")
	ctx := context.Background()

	require.NoError(t, c.SaveLoginToken(ctx, "tok", "42", time.Minute))
	v, err := mr.Get("user_token:tok")
	require.NoError(t, err)
	assert.Equal(t, "42", v)

	ok, err := c.LoginTokenExists(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = c.LoginTokenExists(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_Ping(t *testing.T) {
	c, _ := newTestClient(t, "")
	assert.NoError(t, c.Ping(context.Background()))
}
