// Package lock provides per-request mutual exclusion for workflow
// transitions.
package lock

import (
	"context"
	"hash/fnv"
)

// Locker serializes work on a key. unlock must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Local is an in-process Locker with a fixed number of shards. Keys hashing
// to the same shard share a lock.
type Local struct {
	shards []chan struct{}
}

func NewLocal(shards int) *Local {
	if shards <= 0 {
		shards = 64
	}
	l := &Local{shards: make([]chan struct{}, shards)}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
	}
	return l
}

func (l *Local) shard(key string) chan struct{} {
	h := fnv.New32a()
	h.Write([]byte(key))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

// Lock waits for the key's shard or for ctx to be done.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	s := l.shard(key)
	select {
	case s <- struct{}{}:
		return func() { <-s }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
