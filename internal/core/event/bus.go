package event

import (
	"reflect"
	"sync"
)

type envelope struct {
	typ reflect.Type
	ev  any
}

// Bus is a double-buffered event bus. Events emitted in frame N are readable
// in frame N+1, in the order they were emitted regardless of type.
// SwapBuffers is called once per frame before DispatchAll.
type Bus struct {
	mu       sync.Mutex // only protects handler registration
	front    []envelope
	back     []envelope
	handlers map[reflect.Type][]func(any)
}

func NewBus() *Bus {
	return &Bus{
		front:    make([]envelope, 0, 64),
		back:     make([]envelope, 0, 64),
		handlers: make(map[reflect.Type][]func(any)),
	}
}

func typeOf[T any]() reflect.Type { return reflect.TypeOf((*T)(nil)).Elem() }

// Emit queues an event into the back buffer.
func Emit[T any](b *Bus, event T) {
	b.back = append(b.back, envelope{typ: typeOf[T](), ev: event})
}

// Subscribe registers a typed handler for events of type T.
func Subscribe[T any](b *Bus, fn func(T)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := typeOf[T]()
	b.handlers[t] = append(b.handlers[t], func(ev any) { fn(ev.(T)) })
}

// SwapBuffers makes last frame's events readable and starts a fresh back buffer.
func (b *Bus) SwapBuffers() {
	b.front, b.back = b.back, b.front[:0]
}

// Pending returns the number of events waiting in the back buffer.
func (b *Bus) Pending() int { return len(b.back) }

// Reset drops every buffered event without delivering it.
func (b *Bus) Reset() {
	clear(b.front)
	clear(b.back)
	b.front, b.back = b.front[:0], b.back[:0]
}

// DispatchAll delivers the front buffer. Events emitted by handlers land in
// the back buffer and wait for the next swap.
func (b *Bus) DispatchAll() {
	for i := range b.front {
		e := b.front[i]
		for _, h := range b.handlers[e.typ] {
			h(e.ev)
		}
		b.front[i] = envelope{}
	}
	b.front = b.front[:0]
}
