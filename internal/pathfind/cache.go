package pathfind

import (
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheKey identifies a query against one graph version. Any commit bumps
// the version, so stale entries are never hit and age out of the LRU.
type cacheKey struct {
	version    uint64
	source     common.Address
	target     common.Address
	amount     int64
	maxHops    int
	maxFee     int64
	maxResults int
	direction  Direction
}

func newCacheKey(version uint64, q Query) cacheKey {
	maxFee := int64(-1)
	if q.MaxFee != nil {
		maxFee = *q.MaxFee
	}
	return cacheKey{
		version:    version,
		source:     q.Source,
		target:     q.Target,
		amount:     q.Amount,
		maxHops:    q.MaxHops,
		maxFee:     maxFee,
		maxResults: q.MaxResults,
		direction:  q.Direction,
	}
}

// Cache keeps recent complete search results.
type Cache struct {
	results *lru.Cache[cacheKey, Result]
}

// NewCache creates a cache holding up to size results.
func NewCache(size int) (*Cache, error) {
	results, err := lru.New[cacheKey, Result](size)
	if err != nil {
		return nil, err
	}
	return &Cache{results: results}, nil
}

func (c *Cache) get(k cacheKey) (Result, bool) {
	return c.results.Get(k)
}

func (c *Cache) add(k cacheKey, r Result) {
	c.results.Add(k, r)
}

// Len returns the number of cached results.
func (c *Cache) Len() int {
	return c.results.Len()
}

// Purge drops every cached result.
func (c *Cache) Purge() {
	c.results.Purge()
}
