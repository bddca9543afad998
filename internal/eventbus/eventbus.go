package eventbus

import (
	"context"
	"reflect"
	"sync"
)

// Handler processes events of type T.
type Handler[T any] func(context.Context, T)

// Bus is an in-process event dispatcher owned by the application root. A nil
// *Bus is valid and drops every event.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[reflect.Type]map[uint64]func(context.Context, any)
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{handlers: make(map[reflect.Type]map[uint64]func(context.Context, any))}
}

func (b *Bus) subscribe(t reflect.Type, h func(context.Context, any)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.handlers[t] == nil {
		b.handlers[t] = make(map[uint64]func(context.Context, any))
	}
	b.handlers[t][id] = h
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers[t], id)
			if len(b.handlers[t]) == 0 {
				delete(b.handlers, t)
			}
		})
	}
}

func (b *Bus) emit(ctx context.Context, t reflect.Type, e any) {
	b.mu.RLock()
	hs := b.handlers[t]
	if len(hs) == 0 {
		b.mu.RUnlock()
		return
	}
	copied := make([]func(context.Context, any), 0, len(hs))
	for _, fn := range hs {
		copied = append(copied, fn)
	}
	b.mu.RUnlock()
	for _, fn := range copied {
		fn(ctx, e)
	}
}

// Subscribe registers h for events of type T on b.
func Subscribe[T any](b *Bus, h Handler[T]) (unsubscribe func()) {
	if b == nil {
		return func() {}
	}
	t := reflect.TypeOf((*T)(nil)).Elem()
	return b.subscribe(t, func(ctx context.Context, v any) { h(ctx, v.(T)) })
}

// Publish sends e to every handler subscribed to its type on b.
func Publish[T any](ctx context.Context, b *Bus, e T) {
	if b == nil {
		return
	}
	b.emit(ctx, reflect.TypeOf((*T)(nil)).Elem(), e)
}
