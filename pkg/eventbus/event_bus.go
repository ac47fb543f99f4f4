package eventbus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/iota-uz/outboxd/pkg/outbox"
	"github.com/iota-uz/outboxd/pkg/serrors"
)

var (
	ErrNoSubscribers = serrors.NewError("EVENTBUS_NO_SUBSCRIBERS", "no matching subscribers", "")
	ErrInvalidEvent  = serrors.NewError("EVENTBUS_INVALID_EVENT", "event does not match handler shape", "")
)

type subscriber struct {
	name   string
	shape  reflect.Type
	handle func(ctx context.Context, meta *outbox.Meta, event any) error
}

func (s subscriber) Name() string {
	return s.name
}

func (s subscriber) Handle(ctx context.Context, meta *outbox.Meta, event any) error {
	return s.handle(ctx, meta, event)
}

// Bus is a typed, ordered handler registry keyed by event shape.
type Bus struct {
	log *logrus.Logger

	mu          sync.RWMutex
	subscribers map[reflect.Type][]subscriber
}

var _ outbox.HandlerRegistry = (*Bus)(nil)

func New(log *logrus.Logger) *Bus {
	return &Bus{
		log:         log,
		subscribers: map[reflect.Type][]subscriber{},
	}
}

// On subscribes fn to events of shape T. The handler name is derived from fn.
func On[T any](b *Bus, fn func(ctx context.Context, meta *outbox.Meta, event *T) error) {
	OnNamed(b, funcName(fn), fn)
}

// OnNamed subscribes fn to events of shape T under an explicit name.
func OnNamed[T any](b *Bus, name string, fn func(ctx context.Context, meta *outbox.Meta, event *T) error) {
	if fn == nil {
		panic("eventbus: handler must not be nil")
	}
	shape := reflect.TypeFor[T]()
	if shape.Kind() == reflect.Pointer {
		panic(fmt.Sprintf("eventbus: subscribe with the element shape, not %s", shape))
	}
	sub := subscriber{
		name:  name,
		shape: shape,
		handle: func(ctx context.Context, meta *outbox.Meta, event any) error {
			ev, ok := event.(*T)
			if !ok {
				return fmt.Errorf("%w: want *%s, got %T", ErrInvalidEvent, shape, event)
			}
			return fn(ctx, meta, ev)
		},
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[shape] = append(b.subscribers[shape], sub)
}

// HandlersFor returns a copy of the handlers for shape in registration order.
func (b *Bus) HandlersFor(shape reflect.Type) []outbox.Handler {
	for shape != nil && shape.Kind() == reflect.Pointer {
		shape = shape.Elem()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := b.subscribers[shape]
	out := make([]outbox.Handler, 0, len(subs))
	for _, s := range subs {
		out = append(out, s)
	}
	return out
}

// Publish delivers event to every handler of its shape in process. All
// handlers run; failures and panics are joined.
func (b *Bus) Publish(ctx context.Context, meta *outbox.Meta, event any) error {
	if event == nil {
		return fmt.Errorf("%w: <nil>", ErrInvalidEvent)
	}
	ptr := reflect.ValueOf(event)
	if ptr.Kind() != reflect.Pointer {
		cp := reflect.New(ptr.Type())
		cp.Elem().Set(ptr)
		ptr = cp
	}
	if meta == nil {
		meta = &outbox.Meta{}
	}

	handlers := b.HandlersFor(ptr.Type())
	if len(handlers) == 0 {
		if b.log != nil {
			b.log.Warnf("eventbus.Publish: no matching subscribers for %s", ptr.Type().Elem())
		}
		return ErrNoSubscribers
	}

	var errs []error
	for _, h := range handlers {
		if err := b.call(ctx, h, meta, ptr.Interface()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) call(ctx context.Context, h outbox.Handler, meta *outbox.Meta, event any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if b.log != nil {
				b.log.Errorf("eventbus: handler %s panicked: %v", h.Name(), r)
			}
			err = fmt.Errorf("eventbus: handler %s panicked: %v", h.Name(), r)
		}
	}()
	return h.Handle(ctx, meta, event)
}

func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = map[reflect.Type][]subscriber{}
}

func (b *Bus) SubscribersCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

func funcName(fn any) string {
	if f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()); f != nil {
		return f.Name()
	}
	return reflect.TypeOf(fn).String()
}
