package blockstore

import (
	"sync"
	"sync/atomic"
)

const waitCount = 32

type waitHandle struct {
	mu      sync.Mutex
	cond    sync.Cond
	waiting atomic.Int32
}

// waitSet is a fixed set of condition handles that readers block on once
// spinning on an unstable slot has not paid off. Slots hash onto handles by
// their low bits.
type waitSet struct {
	handles [waitCount]waitHandle
}

func newWaitSet() *waitSet {
	w := &waitSet{}
	for i := range w.handles {
		w.handles[i].cond.L = &w.handles[i].mu
	}
	return w
}

// wait blocks while blocked reports true. The waiter count is raised before
// blocked is evaluated, so a notifier that changes the condition and then
// finds no waiters cannot miss this goroutine.
func (w *waitSet) wait(slot int, blocked func() bool) {
	h := &w.handles[slot&(waitCount-1)]
	h.waiting.Add(1)
	h.mu.Lock()
	for blocked() {
		h.cond.Wait()
	}
	h.mu.Unlock()
	h.waiting.Add(-1)
}

func (w *waitSet) notify(slot int) {
	h := &w.handles[slot&(waitCount-1)]
	if h.waiting.Load() == 0 {
		return
	}
	h.mu.Lock()
	h.cond.Broadcast()
	h.mu.Unlock()
}

func (w *waitSet) notifyAll() {
	for i := range w.handles {
		w.notify(i)
	}
}
