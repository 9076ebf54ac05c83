package fanout

import (
	"sync"

	"github.com/google/uuid"
)

// Subscription is the handle for one listener registration. Cancel is
// idempotent and safe to call from inside the listener itself.
type Subscription struct {
	id     string
	once   sync.Once
	cancel func()
}

func newSubscription(id string, cancel func()) *Subscription {
	return &Subscription{id: id, cancel: cancel}
}

// ID identifies the registration in logs.
func (s *Subscription) ID() string {
	return s.id
}

// Cancel stops further deliveries to this listener. Once it returns, no new
// invocation of the listener begins; one that has already begun runs to
// completion. Cancelling the last listener for a key closes the upstream
// subscription.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Group combines several subscriptions into one handle that cancels all of
// them. Nil entries are ignored.
func Group(subs ...*Subscription) *Subscription {
	subs = append([]*Subscription(nil), subs...)
	return newSubscription(uuid.NewString(), func() {
		for _, s := range subs {
			s.Cancel()
		}
	})
}
