package utils

import (
	"sync"
)

// Broadcaster fans values out to buffered subscriber channels. A subscriber
// whose buffer is full when a value is published is dropped and its channel
// closed, so a slow reader never blocks the publisher.
type Broadcaster[T any] struct {
	mu        *sync.RWMutex
	listeners map[chan T]struct{}
	closed    bool
}

func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{
		mu:        &sync.RWMutex{},
		listeners: make(map[chan T]struct{}),
	}
}

func (l *Broadcaster[T]) Subscribe(buf int) <-chan T {
	ch := make(chan T, buf)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		close(ch)
		return ch
	}
	l.listeners[ch] = struct{}{}
	return ch
}

func (l *Broadcaster[T]) Unsubscribe(ch <-chan T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for c := range l.listeners {
		if (<-chan T)(c) == ch {
			delete(l.listeners, c)
			close(c)
			break
		}
	}
}

// Publish delivers v to every subscriber and returns how many were dropped.
func (l *Broadcaster[T]) Publish(v T) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	dropped := 0
	for ch := range l.listeners {
		select {
		case ch <- v:
		default:
			delete(l.listeners, ch)
			close(ch)
			dropped++
		}
	}
	return dropped
}

func (l *Broadcaster[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.listeners)
}

func (l *Broadcaster[T]) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	for ch := range l.listeners {
		close(ch)
	}
	l.listeners = nil
	l.closed = true
}
