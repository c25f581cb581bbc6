// Package syncer
//
// @author: xwc1125
package syncer

import "sync/atomic"

// mailbox is a single slot actor inbox. A post replaces a value the receiver
// has not taken yet and never blocks the sender.
type mailbox[T any] struct {
	value  atomic.Pointer[T]
	signal chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{signal: make(chan struct{}, 1)}
}

func (m *mailbox[T]) post(v *T) {
	m.value.Store(v)
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) wait() <-chan struct{} {
	return m.signal
}

func (m *mailbox[T]) take() *T {
	return m.value.Swap(nil)
}
