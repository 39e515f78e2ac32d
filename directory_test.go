package wavechat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectoryAPI struct {
	creates atomic.Int32
	gate    chan struct{}
	err     error

	mu    sync.Mutex
	pairs map[pairKey]int64
	next  int64
	chats []ChatSummary
}

func (f *fakeDirectoryAPI) CreateChat(ctx context.Context, a, b int64) (int64, error) {
	f.creates.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if f.err != nil {
		return 0, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pairs == nil {
		f.pairs = make(map[pairKey]int64)
	}
	k := newPairKey(a, b)
	if id, ok := f.pairs[k]; ok {
		return id, nil
	}
	f.next++
	f.pairs[k] = 100 + f.next
	return f.pairs[k], nil
}

func (f *fakeDirectoryAPI) UserChats(_ context.Context, _ int64) ([]ChatSummary, error) {
	return f.chats, f.err
}

func TestDirectory_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("idempotent and unordered", func(t *testing.T) {
		api := &fakeDirectoryAPI{}
		d := NewDirectory(api)

		first, err := d.Resolve(ctx, 3, 9)
		require.NoError(t, err)
		again, err := d.Resolve(ctx, 3, 9)
		require.NoError(t, err)
		reversed, err := d.Resolve(ctx, 9, 3)
		require.NoError(t, err)

		assert.Equal(t, first, again)
		assert.Equal(t, first, reversed)
		assert.Equal(t, int32(1), api.creates.Load())
	})

	t.Run("cancelled waiter does not fail the others", func(t *testing.T) {
		api := &fakeDirectoryAPI{gate: make(chan struct{})}
		d := NewDirectory(api)

		firstCtx, cancel := context.WithCancel(ctx)
		first := make(chan error, 1)
		go func() {
			_, err := d.Resolve(firstCtx, 3, 9)
			first <- err
		}()
		waitFor(t, func() bool { return api.creates.Load() == 1 })

		second := make(chan int64, 1)
		go func() {
			id, err := d.Resolve(ctx, 9, 3)
			assert.NoError(t, err)
			second <- id
		}()
		time.Sleep(20 * time.Millisecond)

		cancel()
		assert.ErrorIs(t, <-first, context.Canceled)
		close(api.gate)
		assert.Equal(t, int64(101), <-second)
		assert.Equal(t, int32(1), api.creates.Load())

		id, err := d.Resolve(ctx, 3, 9)
		require.NoError(t, err)
		assert.Equal(t, int64(101), id)
	})

	t.Run("concurrent calls collapse", func(t *testing.T) {
		api := &fakeDirectoryAPI{gate: make(chan struct{})}
		d := NewDirectory(api)

		var wg sync.WaitGroup
		results := make([]int64, 8)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], _ = d.Resolve(ctx, 3, 9)
			}(i)
		}
		waitFor(t, func() bool { return api.creates.Load() == 1 })
		close(api.gate)
		wg.Wait()

		for _, id := range results {
			assert.Equal(t, results[0], id)
		}
		assert.Positive(t, results[0])
	})

	t.Run("invalid pairs", func(t *testing.T) {
		api := &fakeDirectoryAPI{}
		d := NewDirectory(api)
		for _, pair := range [][2]int64{{3, 3}, {0, 9}, {3, -1}} {
			_, err := d.Resolve(ctx, pair[0], pair[1])
			assert.ErrorIs(t, err, ErrInvalidPair)
			assert.True(t, IsValidation(err))
		}
		assert.Zero(t, api.creates.Load())
	})

	t.Run("failure not cached", func(t *testing.T) {
		api := &fakeDirectoryAPI{err: errors.New("down")}
		d := NewDirectory(api)
		_, err := d.Resolve(ctx, 3, 9)
		require.Error(t, err)

		api.err = nil
		id, err := d.Resolve(ctx, 3, 9)
		require.NoError(t, err)
		assert.Positive(t, id)
	})

	t.Run("forget", func(t *testing.T) {
		api := &fakeDirectoryAPI{}
		d := NewDirectory(api)
		_, _ = d.Resolve(ctx, 3, 9)
		d.Forget(9, 3)
		_, ok := d.Cached(3, 9)
		assert.False(t, ok)
		_, _ = d.Resolve(ctx, 3, 9)
		assert.Equal(t, int32(2), api.creates.Load())
	})
}

func TestDirectory_ChatsPrimesCache(t *testing.T) {
	api := &fakeDirectoryAPI{chats: []ChatSummary{
		{ID: 41, OtherUserID: 9, OtherUsername: "bob"},
		{ID: 42, OtherUserID: 5, OtherUsername: "eve"},
	}}
	d := NewDirectory(api)

	chats, err := d.Chats(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, chats, 2)

	id, err := d.Resolve(context.Background(), 3, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(41), id)
	assert.Zero(t, api.creates.Load())
}
