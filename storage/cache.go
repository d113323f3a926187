package storage

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/boljen/go-bitmap"

	"github.com/ardnew/softmmc/pkg"
)

// sampleLimit is the number of random slots probed for a free one before
// scanning.
const sampleLimit = 3

// Loader fills buf with one sector read from the card within ctx.
type Loader func(ctx context.Context, sector uint64, buf []byte) error

// CacheStats counts cache lookups.
type CacheStats struct {
	Hits    uint64
	Misses  uint64
	Ousters uint64 // sectors evicted to make room
}

// HitRate returns the fraction of lookups served from the cache.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is a fixed-size sector cache. Slots are placed and evicted at
// random. A Cache is not safe for concurrent use.
type Cache struct {
	data   []byte
	slots  int
	inUse  bitmap.Bitmap
	owner  []uint64       // sector held by each occupied slot
	pages  map[uint64]int // sector to slot
	load   Loader
	rng    *rand.Rand
	stats  CacheStats
	sector int
}

// NewCache creates a cache of slots sectors of sectorSize bytes each. seed
// drives slot placement.
func NewCache(slots int, sectorSize int, load Loader, seed int64) (*Cache, error) {
	if slots <= 0 || sectorSize <= 0 || load == nil {
		return nil, pkg.ErrInvalidParameter
	}
	return &Cache{
		data:   make([]byte, slots*sectorSize),
		slots:  slots,
		inUse:  bitmap.New(slots),
		owner:  make([]uint64, slots),
		pages:  make(map[uint64]int, slots),
		load:   load,
		rng:    rand.New(rand.NewSource(seed)),
		sector: sectorSize,
	}, nil
}

func (c *Cache) page(slot int) []byte {
	return c.data[slot*c.sector : (slot+1)*c.sector]
}

// Load returns the cached sector, reading it through the loader on a miss.
// The returned slice aliases the cache and is valid until the next call.
func (c *Cache) Load(ctx context.Context, sector uint64) ([]byte, error) {
	if slot, ok := c.pages[sector]; ok {
		c.stats.Hits++
		return c.page(slot), nil
	}
	c.stats.Misses++

	slot := c.claim()
	buf := c.page(slot)
	if err := c.load(ctx, sector, buf); err != nil {
		c.inUse.Set(slot, false)
		return nil, fmt.Errorf("load sector %d: %w", sector, err)
	}
	c.pages[sector] = slot
	c.owner[slot] = sector
	return buf, nil
}

// claim picks a slot for a new sector, evicting one when all are in use.
func (c *Cache) claim() int {
	for i := 0; i < sampleLimit; i++ {
		if r := c.rng.Intn(c.slots); !c.inUse.Get(r) {
			c.inUse.Set(r, true)
			return r
		}
	}
	for i := 0; i < c.slots; i++ {
		if !c.inUse.Get(i) {
			c.inUse.Set(i, true)
			return i
		}
	}

	c.stats.Ousters++
	loser := c.rng.Intn(c.slots)
	delete(c.pages, c.owner[loser])
	pkg.LogDebug(pkg.ComponentStorage, "cache ouster", "sector", c.owner[loser], "slot", loser)
	return loser
}

// Update overwrites a cached sector with data. Sectors not in the cache
// are left alone.
func (c *Cache) Update(sector uint64, data []byte) {
	if slot, ok := c.pages[sector]; ok {
		copy(c.page(slot), data)
	}
}

// Invalidate drops a sector from the cache.
func (c *Cache) Invalidate(sector uint64) {
	if slot, ok := c.pages[sector]; ok {
		delete(c.pages, sector)
		c.inUse.Set(slot, false)
	}
}

// Reset empties the cache. Statistics are kept.
func (c *Cache) Reset() {
	clear(c.pages)
	for i := 0; i < c.slots; i++ {
		c.inUse.Set(i, false)
	}
}

// Len returns the number of cached sectors.
func (c *Cache) Len() int {
	return len(c.pages)
}

// Stats returns the lookup counters, clearing them when reset is true.
func (c *Cache) Stats(reset bool) CacheStats {
	s := c.stats
	if reset {
		c.stats = CacheStats{}
	}
	return s
}
