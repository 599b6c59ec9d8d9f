package embeddings

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"
)

// Cached wraps a Model with a content-addressed cache. Concurrent misses for
// the same text share one call to the underlying model.
type Cached struct {
	model  Model
	shards [16]*sync.Map // 16 shards to reduce contention
	ttl    time.Duration
	sf     singleflight.Group
}

type cacheEntry struct {
	vector    []float32
	timestamp time.Time
}

// NewCached wraps model. A zero ttl keeps entries forever.
func NewCached(model Model, ttl time.Duration) *Cached {
	c := &Cached{model: model, ttl: ttl}
	for i := range c.shards {
		c.shards[i] = &sync.Map{}
	}
	return c
}

// Dimension returns the underlying model's dimension.
func (c *Cached) Dimension() int {
	return c.model.Dimension()
}

// Encode returns the cached vector for text, computing it on a miss.
func (c *Cached) Encode(ctx context.Context, text string) ([]float32, error) {
	key := hashText(text)
	if v, ok := c.get(key); ok {
		return v, nil
	}

	result, err, _ := c.sf.Do(key, func() (any, error) {
		if v, ok := c.get(key); ok {
			return v, nil
		}
		v, err := c.model.Encode(ctx, text)
		if err != nil {
			return nil, err
		}
		c.set(key, v)
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]float32), nil
}

// EncodeBatch serves hits from the cache and encodes the misses in a single
// batch.
func (c *Cached) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missTexts []string
	var missIndex []int

	for i, text := range texts {
		if v, ok := c.get(hashText(text)); ok {
			out[i] = v
			continue
		}
		missTexts = append(missTexts, text)
		missIndex = append(missIndex, i)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	vectors, err := c.model.EncodeBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, v := range vectors {
		out[missIndex[j]] = v
		c.set(hashText(missTexts[j]), v)
	}
	return out, nil
}

// Len returns the number of cached vectors.
func (c *Cached) Len() int {
	n := 0
	for _, shard := range c.shards {
		shard.Range(func(_, _ any) bool {
			n++
			return true
		})
	}
	return n
}

// Cleanup removes expired entries.
func (c *Cached) Cleanup() int {
	if c.ttl <= 0 {
		return 0
	}
	now := time.Now()
	removed := 0
	for _, shard := range c.shards {
		shard.Range(func(key, value any) bool {
			if now.Sub(value.(*cacheEntry).timestamp) > c.ttl {
				shard.Delete(key)
				removed++
			}
			return true
		})
	}
	return removed
}

func (c *Cached) get(key string) ([]float32, bool) {
	shard := c.shard(key)
	entry, ok := shard.Load(key)
	if !ok {
		return nil, false
	}
	cached := entry.(*cacheEntry)
	if c.ttl > 0 && time.Since(cached.timestamp) > c.ttl {
		shard.Delete(key)
		return nil, false
	}
	return cached.vector, true
}

func (c *Cached) set(key string, v []float32) {
	c.shard(key).Store(key, &cacheEntry{vector: v, timestamp: time.Now()})
}

func (c *Cached) shard(key string) *sync.Map {
	if len(key) == 0 {
		return c.shards[0]
	}
	// hex digit of the digest selects the shard
	b := key[0]
	if b >= 'a' {
		return c.shards[int(b-'a'+10)&0xF]
	}
	return c.shards[int(b-'0')&0xF]
}

func hashText(text string) string {
	sum := blake3.Sum256([]byte(text))
	return hex.EncodeToString(sum[:16])
}
