// Package syncutil provides bounded per-key locks. Writers on one account,
// dispute or gateway payment serialise on the key; unrelated keys only
// contend when they share a shard.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// KeyedMutex is a fixed pool of channel-based mutexes selected by key hash.
// The zero value is ready to use. Memory stays bounded no matter how many
// keys are seen.
type KeyedMutex struct {
	once   sync.Once
	shards [shardCount]chan struct{}
}

func (m *KeyedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
		}
	})
}

func (m *KeyedMutex) shard(key string) chan struct{} {
	m.init()
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

// Lock blocks until key is held and returns the unlock function.
func (m *KeyedMutex) Lock(key string) func() {
	ch := m.shard(key)
	ch <- struct{}{}
	return func() { <-ch }
}

// LockContext is Lock that gives up when ctx is done while waiting.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	ch := m.shard(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires key only if it is free.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	ch := m.shard(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return nil, false
	}
}
