package writelock

import (
	"sync"

	"github.com/Elearning-Pallium/case-explorer-ui-sub001/v1/logger"
)

type observerEntry struct {
	id uint64
	fn func(holder bool)
}

// observerRegistry holds holder-transition callbacks. Notification iterates
// over a snapshot so callbacks may unsubscribe themselves or others while a
// notification is in flight, and a panicking callback never blocks the rest.
type observerRegistry struct {
	mu      sync.Mutex
	nextID  uint64
	entries []observerEntry
}

func (r *observerRegistry) add(fn func(holder bool)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.entries = append(r.entries, observerEntry{id: id, fn: fn})
	r.mu.Unlock()
	return func() { r.remove(id) }
}

func (r *observerRegistry) remove(id uint64) {
	r.mu.Lock()
	for i, e := range r.entries {
		if e.id == id {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
}

func (r *observerRegistry) snapshot() []observerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]observerEntry(nil), r.entries...)
}

func (r *observerRegistry) notify(holder bool, log logger.Logger) {
	invokeObservers(r.snapshot(), holder, log)
}

func invokeObservers(entries []observerEntry, holder bool, log logger.Logger) {
	for _, e := range entries {
		func() {
			defer func() {
				if p := recover(); p != nil {
					log.Errorw("observer callback panicked", "panic", p)
				}
			}()
			e.fn(holder)
		}()
	}
}
