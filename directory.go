package wavechat

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// DirectoryAPI is the part of the conversation service the Directory uses.
// ChatsClient implements it.
type DirectoryAPI interface {
	CreateChat(ctx context.Context, user1ID, user2ID int64) (int64, error)
	UserChats(ctx context.Context, userID int64) ([]ChatSummary, error)
}

type pairKey struct{ lo, hi int64 }

func newPairKey(a, b int64) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

func (k pairKey) String() string {
	return fmt.Sprintf("%d:%d", k.lo, k.hi)
}

// Directory maps an unordered pair of users to their direct conversation.
type Directory struct {
	api   DirectoryAPI
	group singleflight.Group

	mu    sync.RWMutex
	cache map[pairKey]int64
}

// NewDirectory returns a Directory with an empty pair cache.
func NewDirectory(api DirectoryAPI) *Directory {
	return &Directory{api: api, cache: make(map[pairKey]int64)}
}

// Resolve returns the conversation between selfID and peerID, creating it
// on first contact. Results are cached by unordered pair and concurrent
// calls for the same pair share one remote request.
func (d *Directory) Resolve(ctx context.Context, selfID, peerID int64) (int64, error) {
	if selfID <= 0 || peerID <= 0 || selfID == peerID {
		return 0, invalid(ErrInvalidPair)
	}
	key := newPairKey(selfID, peerID)

	d.mu.RLock()
	id, ok := d.cache[key]
	d.mu.RUnlock()
	if ok {
		return id, nil
	}

	// The shared call outlives any single waiter; each waiter stops on its
	// own ctx.
	shared := context.WithoutCancel(ctx)
	ch := d.group.DoChan(key.String(), func() (interface{}, error) {
		id, err := d.api.CreateChat(shared, selfID, peerID)
		if err != nil {
			return int64(0), err
		}
		d.remember(key, id)
		return id, nil
	})
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(int64), nil
	}
}

// Chats lists the conversations of userID and primes the pair cache with
// them.
func (d *Directory) Chats(ctx context.Context, userID int64) ([]ChatSummary, error) {
	chats, err := d.api.UserChats(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, c := range chats {
		if c.ID > 0 && c.OtherUserID > 0 && c.OtherUserID != userID {
			d.remember(newPairKey(userID, c.OtherUserID), c.ID)
		}
	}
	return chats, nil
}

// Forget drops the cached conversation of a pair.
func (d *Directory) Forget(selfID, peerID int64) {
	d.mu.Lock()
	delete(d.cache, newPairKey(selfID, peerID))
	d.mu.Unlock()
}

// Cached returns the cached conversation of a pair without a remote call.
func (d *Directory) Cached(selfID, peerID int64) (int64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.cache[newPairKey(selfID, peerID)]
	return id, ok
}

func (d *Directory) remember(key pairKey, id int64) {
	d.mu.Lock()
	d.cache[key] = id
	d.mu.Unlock()
}
