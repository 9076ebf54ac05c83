package fanout

import "sync"

// mailbox is an unbounded FIFO drained by a single goroutine. Producers never
// block; a slow consumer only grows its own queue.
type mailbox[T any] struct {
	mu     sync.Mutex
	queue  []T
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// put enqueues v. It reports false once the mailbox is closed.
func (m *mailbox[T]) put(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, v)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// close stops the drain loop. Items still queued are dropped.
func (m *mailbox[T]) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.queue = nil
	close(m.done)
}

func (m *mailbox[T]) take() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero T
	if m.closed || len(m.queue) == 0 {
		return zero, false
	}
	v := m.queue[0]
	m.queue[0] = zero
	m.queue = m.queue[1:]
	return v, true
}

// run calls fn for every item in order until the mailbox is closed.
func (m *mailbox[T]) run(fn func(T)) {
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}
		for {
			v, ok := m.take()
			if !ok {
				break
			}
			fn(v)
		}
	}
}
