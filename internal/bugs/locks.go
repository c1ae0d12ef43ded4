package bugs

import (
	"hash/fnv"
	"sync"
)

// stripeCount must be a power of two.
const stripeCount = 64

// stripedMutex serializes work keyed by string without holding a lock per
// live key. Used to make the recurrence lookup in RecordSignal race-free
// per fingerprint while distinct fingerprints proceed in parallel.
type stripedMutex struct {
	stripes [stripeCount]sync.Mutex
}

func (s *stripedMutex) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &s.stripes[h.Sum32()&(stripeCount-1)]
	m.Lock()
	return m
}

// HeldSet is a non-blocking keyed lock: TryAcquire fails instead of
// waiting. The orchestrator uses it to reject a second concurrent heal on
// the same bug id rather than queue it.
type HeldSet struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewHeldSet returns an empty HeldSet.
func NewHeldSet() *HeldSet {
	return &HeldSet{held: make(map[string]struct{})}
}

// TryAcquire takes the lock for key if it is free.
func (h *HeldSet) TryAcquire(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, taken := h.held[key]; taken {
		return false
	}
	h.held[key] = struct{}{}
	return true
}

// Release frees the lock for key.
func (h *HeldSet) Release(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.held, key)
}
