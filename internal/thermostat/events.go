package thermostat

import (
	"log/slog"
	"reflect"
	"sync"
)

// ConnectedEvent carries the initial state queried while connecting.
type ConnectedEvent struct {
	DeviceData DeviceData
	Status     Status
	Schedule   Schedule
}

type handlerEntry[T any] struct {
	key uintptr
	fn  func(T)
}

// handlerList keeps callbacks in registration order. A func value that is
// already registered is not added twice.
type handlerList[T any] struct {
	entries []handlerEntry[T]
}

func (l *handlerList[T]) add(key uintptr, fn func(T)) {
	for _, e := range l.entries {
		if e.key == key {
			return
		}
	}
	l.entries = append(l.entries, handlerEntry[T]{key: key, fn: fn})
}

func (l *handlerList[T]) remove(key uintptr) {
	for i, e := range l.entries {
		if e.key == key {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return
		}
	}
}

// Dispatcher delivers driver events to registered callbacks, synchronously
// and in registration order. A panicking handler is logged and does not
// stop delivery to the remaining handlers.
type Dispatcher struct {
	mu     sync.Mutex
	logger *slog.Logger

	connected    handlerList[ConnectedEvent]
	disconnected handlerList[struct{}]
	deviceData   handlerList[DeviceData]
	status       handlerList[Status]
	schedule     handlerList[Schedule]
}

func newDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{logger: logger.With("component", "events")}
}

func subscribe[T any](d *Dispatcher, l *handlerList[T], fn func(T)) func() {
	key := reflect.ValueOf(fn).Pointer()
	d.mu.Lock()
	l.add(key, fn)
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		l.remove(key)
		d.mu.Unlock()
	}
}

func emit[T any](d *Dispatcher, l *handlerList[T], payload T) {
	d.mu.Lock()
	fns := make([]func(T), len(l.entries))
	for i, e := range l.entries {
		fns[i] = e.fn
	}
	d.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("event handler panic", "panic", r)
				}
			}()
			fn(payload)
		}()
	}
}
