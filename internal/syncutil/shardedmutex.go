package syncutil

import (
	"hash/fnv"
	"sync"
)

// ShardedMutex provides a fixed-size pool of read-write mutexes keyed by
// string. Unlike sync.Map-based per-key locks, this uses bounded memory
// regardless of how many identities are seen, at the cost of occasional
// false sharing between keys that hash to the same shard.
//
// Hot paths that only inspect state (block-list lookups, session reads)
// take the read side; updates take the write side.
type ShardedMutex struct {
	shards [256]sync.RWMutex
}

// Lock acquires the write lock for the given key and returns an unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

// RLock acquires the read lock for the given key and returns an unlock function.
func (s *ShardedMutex) RLock(key string) func() {
	mu := s.shard(key)
	mu.RLock()
	return mu.RUnlock
}

func (s *ShardedMutex) shard(key string) *sync.RWMutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%256]
}
