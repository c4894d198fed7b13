package audio

import "sync"

// Taps is a helper for [Source] implementations: a concurrency-safe set of
// quantum callbacks. Device adapters embed a Taps and call [Taps.Push] from
// their capture thread to implement [Source.Subscribe] fan-out.
//
// The zero value is ready to use.
type Taps struct {
	mu   sync.RWMutex
	next int
	taps map[int]func([]byte)
}

// Subscribe registers tap and returns an idempotent cancel function.
func (t *Taps) Subscribe(tap func(quantum []byte)) (cancel func()) {
	t.mu.Lock()
	if t.taps == nil {
		t.taps = make(map[int]func([]byte))
	}
	id := t.next
	t.next++
	t.taps[id] = tap
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.taps, id)
			t.mu.Unlock()
		})
	}
}

// Push delivers quantum to every registered tap in unspecified order. Push is
// called from the capture thread; taps must not block.
func (t *Taps) Push(quantum []byte) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, tap := range t.taps {
		tap(quantum)
	}
}

// Len reports the number of registered taps.
func (t *Taps) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.taps)
}
