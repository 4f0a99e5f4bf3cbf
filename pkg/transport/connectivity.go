package transport

import "sync"

// notifier tracks a connectivity state and fans changes out to subscribers.
type notifier struct {
	mu    sync.Mutex
	state ConnectivityState
	subs  map[int]func(ConnectivityState)
	next  int
}

func newNotifier(initial ConnectivityState) *notifier {
	return &notifier{
		state: initial,
		subs:  make(map[int]func(ConnectivityState)),
	}
}

func (n *notifier) get() ConnectivityState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// set updates the state and reports whether it changed. Subscribers are
// called outside the lock.
func (n *notifier) set(state ConnectivityState) bool {
	n.mu.Lock()
	if n.state == state {
		n.mu.Unlock()
		return false
	}
	n.state = state
	fns := make([]func(ConnectivityState), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
	return true
}

func (n *notifier) subscribe(fn func(ConnectivityState)) func() {
	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = fn
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		})
	}
}
