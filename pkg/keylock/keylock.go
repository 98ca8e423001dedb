// Package keylock serializes work per subject key without a global lock.
package keylock

import (
	"hash/fnv"
	"sync"
)

const shardCount = 64

// ShardedMutex maps keys onto a fixed set of mutexes. Two keys may share a shard,
// which only costs contention, never correctness.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

func New() *ShardedMutex {
	return &ShardedMutex{}
}

func (m *ShardedMutex) Lock(key string) {
	m.shards[shardFor(key)].Lock()
}

func (m *ShardedMutex) Unlock(key string) {
	m.shards[shardFor(key)].Unlock()
}

// With runs fn while holding the lock for key.
func (m *ShardedMutex) With(key string, fn func() error) error {
	m.Lock(key)
	defer m.Unlock(key)
	return fn()
}

func shardFor(key string) int {
	if key == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}
