// Package syncutil provides keyed locking helpers.
package syncutil

import (
	"hash/fnv"
	"sync"
)

const keyedShards = 256

// KeyedMutex serializes work on string keys using a fixed pool of mutexes,
// so memory stays bounded no matter how many distinct keys pass through.
// Keys that hash to the same shard contend with each other, which is
// acceptable for short critical sections.
type KeyedMutex struct {
	shards [keyedShards]sync.Mutex
}

// Lock acquires the shard for key and returns its unlock function.
func (k *KeyedMutex) Lock(key string) func() {
	mu := k.shard(key)
	mu.Lock()
	return mu.Unlock
}

func (k *KeyedMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &k.shards[h.Sum32()%keyedShards]
}
