package celerity

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncResult_ConcurrentMeta(t *testing.T) {
	a := newTestApp(t, memConfig())
	ctx := context.Background()
	require.NoError(t, a.Backend().StoreResult(ctx, &TaskMeta{
		ID:     "shared",
		Name:   "t.add",
		State:  StateSuccess,
		Result: 3,
		Args:   []any{1, 2},
		Kwargs: map[string]any{"z": 0},
	}))

	r := a.AsyncResult("shared")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := r.Meta(ctx)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, _ = r.Name(), r.Args()
			v, err := r.Get(ctx)
			assert.NoError(t, err)
			assert.Equal(t, int64(3), v)
		}()
	}
	wg.Wait()

	assert.Equal(t, "t.add", r.Name())
	assert.Equal(t, []any{int64(1), int64(2)}, r.Args())
	assert.Equal(t, map[string]any{"z": int64(0)}, r.Kwargs())
}
