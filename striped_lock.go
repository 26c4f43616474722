package couchkit

import (
	"hash/fnv"
	"sync"
)

// keyLocks serializes per-document check-and-set sequences without a
// single global mutex: each key hashes to one of a fixed set of stripes,
// so operations on distinct documents usually proceed concurrently while
// the same document always lands on the same stripe.
type keyLocks struct {
	stripes []sync.Mutex
	count   uint32
}

// newKeyLocks creates a striped lock set. 32 stripes is plenty for a
// single client process.
func newKeyLocks(stripeCount int) *keyLocks {
	if stripeCount <= 0 {
		stripeCount = 32
	}
	return &keyLocks{
		stripes: make([]sync.Mutex, stripeCount),
		count:   uint32(stripeCount),
	}
}

// lock acquires the stripe for key and returns its unlock function.
//
//	unlock := locks.lock(key)
//	defer unlock()
func (kl *keyLocks) lock(key string) func() {
	idx := kl.stripeIndex(key)
	kl.stripes[idx].Lock()
	return func() {
		kl.stripes[idx].Unlock()
	}
}

// stripeIndex maps a key to its stripe using FNV-1a
func (kl *keyLocks) stripeIndex(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % kl.count
}
