package state

import (
	"github.com/maypok86/otter"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
)

// BoardCache is a bounded read-through cache in front of board lookups by
// uuid, backed by an otter cache with LRU eviction. Result notifications and
// session events hit the same handful of boards repeatedly; this keeps those
// lookups off the database. Writers must call Invalidate after any board
// mutation.
type BoardCache struct {
	repo  *Repo
	cache otter.Cache[string, *model.Board]
}

// NewBoardCache creates a cache bounded to maxEntries boards.
func NewBoardCache(repo *Repo, maxEntries int) *BoardCache {
	cache, err := otter.MustBuilder[string, *model.Board](maxEntries).
		Cost(func(_ string, _ *model.Board) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("state: failed to create board cache: " + err.Error())
	}
	return &BoardCache{repo: repo, cache: cache}
}

// Get returns the board with the given uuid, from cache when possible.
func (c *BoardCache) Get(boardUUID string) (*model.Board, error) {
	if b, ok := c.cache.Get(boardUUID); ok {
		return b, nil
	}
	b, err := c.repo.GetBoardByUUID(boardUUID)
	if err != nil {
		return nil, err
	}
	c.cache.Set(boardUUID, b)
	return b, nil
}

// Invalidate drops the cached entry for a board.
func (c *BoardCache) Invalidate(boardUUID string) {
	c.cache.Delete(boardUUID)
}

// Close releases resources held by the underlying cache.
func (c *BoardCache) Close() {
	c.cache.Close()
}
