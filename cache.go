package garc

import (
	"fmt"
	"io"
	"strconv"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// refCache retains decoded reference segments for reuse across the
// delta blocks that point at them. Entries are pure functions of
// immutable archive content, so eviction only ever costs a recompute,
// never a stale read. Each Archive owns its own cache; concurrently
// open archives never contend on one another.
type refCache struct {
	r    io.ReaderAt
	refs []refBlock
	lru  *lru.Cache[uint32, []byte]
	sf   singleflight.Group

	decodes atomic.Int64 // reference decode count, observed by tests
}

func newRefCache(r io.ReaderAt, refs []refBlock, budget int64, blockSize int) *refCache {
	entries := int(budget / int64(blockSize))
	if entries < 16 {
		entries = 16
	}
	cc, _ := lru.New[uint32, []byte](entries) // only fails for non-positive sizes
	return &refCache{r: r, refs: refs, lru: cc}
}

// get returns the decoded bytes of a reference block, decoding and
// caching them on first access. Concurrent calls for the same
// reference share a single decode; the cache lock is never held while
// decoding. Callers must not mutate the returned slice.
func (c *refCache) get(id uint32) ([]byte, error) {
	if int(id) >= len(c.refs) {
		return nil, fmt.Errorf("%w: reference %d of %d", ErrReferenceUnavailable, id, len(c.refs))
	}
	if b, ok := c.lru.Get(id); ok {
		return b, nil
	}

	v, err, _ := c.sf.Do(strconv.FormatUint(uint64(id), 10), func() (interface{}, error) {
		if b, ok := c.lru.Get(id); ok {
			return b, nil
		}
		return c.decodeChain(id)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// decodeChain resolves a reference block's delta chain iteratively:
// walk parents until a literal reference or a cached ancestor, then
// decode downward, caching every intermediate. Index validation
// guarantees parent IDs strictly decrease; the visited set still
// guards against a corrupt archive inducing an endless walk.
func (c *refCache) decodeChain(id uint32) ([]byte, error) {
	chain := make([]uint32, 0, 4)
	visited := make(map[uint32]bool)

	var base []byte
	for cur := id; ; {
		if visited[cur] {
			return nil, fmt.Errorf("%w: reference %d delta chain is cyclic", ErrCorruptBlock, id)
		}
		visited[cur] = true
		chain = append(chain, cur)

		ref := &c.refs[cur]
		if ref.kind&kindDelta == 0 {
			break // literal, decodes against nothing
		}
		parent := uint32(ref.parent)
		if b, ok := c.lru.Get(parent); ok {
			base = b
			break
		}
		cur = parent
	}

	for i := len(chain) - 1; i >= 0; i-- {
		b, err := decodeRef(c.r, &c.refs[chain[i]], base)
		if err != nil {
			return nil, fmt.Errorf("reference %d: %w", chain[i], err)
		}
		c.decodes.Add(1)
		c.lru.Add(chain[i], b)
		base = b
	}
	return base, nil
}

func (c *refCache) purge() {
	c.lru.Purge()
}
