package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandle struct {
	mu   sync.Mutex
	msgs []string
	err  error
}

func (h *recordingHandle) Deliver(msg string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.msgs = append(h.msgs, msg)
	return nil
}

func TestRegistry_RegisterLookupUnregister(t *testing.T) {
	r := New()
	id := uuid.NewString()
	h := &recordingHandle{}

	assert.False(t, r.Exists(id))

	r.Register(id, h)
	assert.True(t, r.Exists(id))
	got, ok := r.Lookup(id)
	require.True(t, ok)
	assert.Same(t, h, got)
	assert.Equal(t, 1, r.Count())

	r.Unregister(id)
	assert.False(t, r.Exists(id))
	assert.Equal(t, 0, r.Count())

	r.Unregister(id)
}

func TestRegistry_Deliver(t *testing.T) {
	r := New()

	live, err := r.Deliver("nobody", "hi")
	assert.False(t, live)
	assert.NoError(t, err)

	h := &recordingHandle{}
	r.Register("c1", h)
	live, err = r.Deliver("c1", "hello")
	assert.True(t, live)
	assert.NoError(t, err)
	assert.Equal(t, []string{"hello"}, h.msgs)

	closed := &recordingHandle{err: ErrHandleClosed}
	r.Register("c2", closed)
	live, err = r.Deliver("c2", "hello")
	assert.False(t, live, "a shut down handle counts as gone")
	assert.NoError(t, err)

	full := &recordingHandle{err: ErrBackpressure}
	r.Register("c3", full)
	live, err = r.Deliver("c3", "hello")
	assert.True(t, live, "backpressure does not mean the connection is dead")
	assert.ErrorIs(t, err, ErrBackpressure)
}

func TestRegistry_Concurrent(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := fmt.Sprintf("%d-%d", i, j)
				r.Register(id, &recordingHandle{})
				_, _ = r.Deliver(id, "x")
				if j%2 == 0 {
					r.Unregister(id)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 64*50, r.Count())
}

func BenchmarkRegistry_Lookup(b *testing.B) {
	r := New()
	ids := make([]string, 1024)
	for i := range ids {
		ids[i] = uuid.NewString()
		r.Register(ids[i], &recordingHandle{})
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			r.Lookup(ids[i%len(ids)])
			i++
		}
	})
}
