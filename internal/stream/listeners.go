package stream

import (
	"fmt"
	"sync"
	"time"

	"cryptoguard/logger"
)

type StatusKind string

const (
	StatusConnected    StatusKind = "connected"
	StatusDisconnected StatusKind = "disconnected"
)

// StatusEvent reports a connectivity change. Key is empty when the event
// concerns the whole connection (heartbeat timeout).
type StatusEvent struct {
	Kind StatusKind
	Key  string
	At   time.Time
}

func (e StatusEvent) String() string {
	if e.Key == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Key)
}

// listeners is a registered-listener list. A panicking listener is logged
// and skipped; delivery to the others continues.
type listeners[T any] struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func(T)
	name   string
	log    *logger.Log
}

func newListeners[T any](name string) *listeners[T] {
	return &listeners[T]{fns: make(map[int]func(T)), name: name, log: logger.GetLogger()}
}

// add registers fn and returns a function that removes it.
func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		l.call(fn, v)
	}
}

func (l *listeners[T]) call(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			l.log.WithComponent("subscription_manager").WithFields(logger.Fields{
				"listener": l.name,
				"panic":    fmt.Sprint(r),
			}).Error("listener panicked")
		}
	}()
	fn(v)
}
