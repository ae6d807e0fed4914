package reconcile

import "sync"

// KeyedMutex serializes writes per delegate identifier. The event handler
// and the resync loop share one instance so that both paths hold the same
// lock before touching a delegate's stored balance.
//
// The map holds one entry per delegate ever touched and is never pruned.
// The delegate population is bounded by the query ceiling (thousands), so
// the map stays within a few hundred KB for the process lifetime.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for id and returns its unlock func.
func (k *KeyedMutex) Lock(id string) func() {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &sync.Mutex{}
		k.locks[id] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
