package engine

import (
	"hash/fnv"
	"sync"
)

// keyLockTable serialises work per lineage key while letting unrelated keys
// proceed in parallel. Keys hash onto a fixed shard set, so two distinct keys
// can share a lock; that only costs throughput, never correctness.
type keyLockTable struct {
	shards []sync.Mutex
}

func newKeyLockTable(shardCount int) *keyLockTable {
	if shardCount <= 0 {
		shardCount = 64
	}
	return &keyLockTable{shards: make([]sync.Mutex, shardCount)}
}

func (t *keyLockTable) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	shard := &t.shards[h.Sum32()%uint32(len(t.shards))]
	shard.Lock()
	return shard.Unlock
}
