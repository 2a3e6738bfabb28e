package control

import "sync"

// Subscription is a handle to a registered handler.
type Subscription struct {
	cancel func()
	once   sync.Once
}

// Unsubscribe removes the handler. Safe to call many times and on nil.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// topic keeps handlers in subscription order.
// One-shot topics give every event to the oldest handler only and drop
// it afterwards, others give every event to everyone.
type topic[T any] struct {
	mu      sync.Mutex
	oneShot bool
	seq     uint64
	subs    []sub[T]
}

type sub[T any] struct {
	id uint64
	fn func(T)
}

func (t *topic[T]) subscribe(fn func(T)) *Subscription {
	t.mu.Lock()
	t.seq++
	id := t.seq
	t.subs = append(t.subs, sub[T]{id: id, fn: fn})
	t.mu.Unlock()
	return &Subscription{cancel: func() { t.remove(id) }}
}

func (t *topic[T]) remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.subs {
		if s.id == id {
			t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
			return
		}
	}
}

// publish calls handlers outside of the lock and returns how many got v.
func (t *topic[T]) publish(v T) int {
	t.mu.Lock()
	if len(t.subs) == 0 {
		t.mu.Unlock()
		return 0
	}
	var fns []func(T)
	if t.oneShot {
		fns = []func(T){t.subs[0].fn}
		t.subs = append(t.subs[:0:0], t.subs[1:]...)
	} else {
		fns = make([]func(T), len(t.subs))
		for i, s := range t.subs {
			fns[i] = s.fn
		}
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
	return len(fns)
}

func (t *topic[T]) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
