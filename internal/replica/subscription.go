package replica

import "sync"

// Subscription delivers the replica version after changes. Deliveries are
// coalesced: a slow reader sees only the newest version, never a backlog.
type Subscription struct {
	C <-chan uint64

	ch     chan uint64
	latest uint64
	once   sync.Once
	cancel func(*Subscription)
}

// Close unsubscribes. C is not closed so a pending receive never observes a
// zero version.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel(s)
	})
}

func (r *Replica[T]) Subscribe() *Subscription {
	ch := make(chan uint64, 1)
	sub := &Subscription{
		C:  ch,
		ch: ch,
		cancel: func(s *Subscription) {
			r.subsMu.Lock()
			delete(r.subs, s)
			r.subsMu.Unlock()
		},
	}
	r.subsMu.Lock()
	r.subs[sub] = struct{}{}
	r.subsMu.Unlock()
	return sub
}

func (r *Replica[T]) notify(version uint64) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for sub := range r.subs {
		if version <= sub.latest {
			continue
		}
		sub.latest = version
		select {
		case sub.ch <- version:
		default:
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- version
		}
	}
}
