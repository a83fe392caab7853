// Package syncutil provides keyed locking for serializing state transitions
// on a single record, such as one escrow or one cashout.
package syncutil

import "sync"

const shardCount = 256

// ShardedMutex maps string keys onto a fixed pool of mutexes. Memory stays
// bounded no matter how many record IDs pass through; the trade-off is that
// two IDs hashing to the same shard occasionally wait on each other.
//
// The zero value is ready to use.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the shard for key and returns its unlock function.
//
//	unlock := locks.Lock(esc.ID)
//	defer unlock()
func (s *ShardedMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

// shard picks a mutex by FNV-1a hash of the key.
func (s *ShardedMutex) shard(key string) *sync.Mutex {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= prime32
	}
	return &s.shards[h%shardCount]
}
