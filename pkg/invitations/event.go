package invitations

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Event is a state change of one session.
type Event struct {
	State State
	Time  time.Time

	// Detail is a human-readable note about the transition.
	Detail string

	// Err is the terminal cause for CANCELLED, TIMEOUT and ERROR.
	Err error

	// AttemptsRemaining is set on AUTHENTICATING and AUTH_FAILED.
	AttemptsRemaining int
}

// observers fans events out to subscribers. Each subscriber has its own
// queue so a slow consumer never blocks the session.
type observers struct {
	mu    sync.Mutex
	last  Event
	ended bool
	subs  map[*subscriber]struct{}
}

func (o *observers) publish(ev Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.last = ev
	for s := range o.subs {
		s.push(ev)
	}
	if ev.State.IsTerminal() {
		o.ended = true
		o.subs = nil
	}
}

// subscribe returns a channel that first replays the latest event and then
// delivers every later one in order. It closes after the terminal event or
// when ctx ends.
func (o *observers) subscribe(ctx context.Context) <-chan Event {
	s := &subscriber{
		ch:     make(chan Event),
		notify: make(chan struct{}, 1),
	}

	o.mu.Lock()
	s.push(o.last)
	if !o.ended {
		if o.subs == nil {
			o.subs = make(map[*subscriber]struct{})
		}
		o.subs[s] = struct{}{}
	}
	o.mu.Unlock()

	go s.run(ctx, func() {
		o.mu.Lock()
		delete(o.subs, s)
		o.mu.Unlock()
	})
	return s.ch
}

type subscriber struct {
	ch     chan Event
	notify chan struct{}

	mu    sync.Mutex
	queue []Event
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, true
}

func (s *subscriber) run(ctx context.Context, detach func()) {
	defer close(s.ch)
	defer detach()

	for {
		ev, ok := s.pop()
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case s.ch <- ev:
		case <-ctx.Done():
			return
		}
		if ev.State.IsTerminal() {
			return
		}
	}
}

// WaitFor blocks until sess reaches one of states and returns that event.
// It fails with ErrSessionEnded if the session ends in a terminal state not
// listed, and with ctx.Err() if ctx ends first.
func WaitFor(ctx context.Context, sess Session, states ...State) (Event, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var last Event
	for ev := range sess.Subscribe(ctx) {
		last = ev
		if slices.Contains(states, ev.State) {
			return ev, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return last, err
	}
	return last, ErrSessionEnded
}
