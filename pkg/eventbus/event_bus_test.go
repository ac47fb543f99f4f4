package eventbus

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/iota-uz/outboxd/pkg/logging"
	"github.com/iota-uz/outboxd/pkg/outbox"
)

type orderCreated struct {
	OrderID string
}

type orderCancelled struct {
	OrderID string
}

func TestBus_HandlersForKeepsRegistrationOrder(t *testing.T) {
	t.Parallel()

	bus := New(logging.ConsoleLogger(logrus.WarnLevel))
	var calls []string
	OnNamed(bus, "first", func(_ context.Context, _ *outbox.Meta, _ *orderCreated) error {
		calls = append(calls, "first")
		return nil
	})
	OnNamed(bus, "second", func(_ context.Context, _ *outbox.Meta, _ *orderCreated) error {
		calls = append(calls, "second")
		return nil
	})
	OnNamed(bus, "other", func(_ context.Context, _ *outbox.Meta, _ *orderCancelled) error {
		calls = append(calls, "other")
		return nil
	})

	handlers := bus.HandlersFor(reflect.TypeOf(orderCreated{}))
	if len(handlers) != 2 {
		t.Fatalf("expected 2 handlers, got %d", len(handlers))
	}
	if handlers[0].Name() != "first" || handlers[1].Name() != "second" {
		t.Fatalf("unexpected order: %s, %s", handlers[0].Name(), handlers[1].Name())
	}

	if ptrHandlers := bus.HandlersFor(reflect.TypeOf(&orderCreated{})); len(ptrHandlers) != 2 {
		t.Fatalf("pointer shape lookup: expected 2 handlers, got %d", len(ptrHandlers))
	}

	for _, h := range handlers {
		if err := h.Handle(context.Background(), &outbox.Meta{}, &orderCreated{OrderID: "o-1"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if strings.Join(calls, ",") != "first,second" {
		t.Fatalf("unexpected calls: %v", calls)
	}
}

func TestBus_HandlersForReturnsCopy(t *testing.T) {
	t.Parallel()

	bus := New(nil)
	On(bus, func(_ context.Context, _ *outbox.Meta, _ *orderCreated) error { return nil })

	handlers := bus.HandlersFor(reflect.TypeOf(orderCreated{}))
	handlers[0] = nil
	if got := bus.HandlersFor(reflect.TypeOf(orderCreated{})); got[0] == nil {
		t.Fatal("registry was mutated through returned slice")
	}
}

func TestBus_HandlerRejectsWrongShape(t *testing.T) {
	t.Parallel()

	bus := New(nil)
	On(bus, func(_ context.Context, _ *outbox.Meta, _ *orderCreated) error { return nil })
	h := bus.HandlersFor(reflect.TypeOf(orderCreated{}))[0]
	if err := h.Handle(context.Background(), &outbox.Meta{}, &orderCancelled{}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestBus_OnDerivesHandlerName(t *testing.T) {
	t.Parallel()

	bus := New(nil)
	On(bus, handleOrderCreated)
	name := bus.HandlersFor(reflect.TypeOf(orderCreated{}))[0].Name()
	if !strings.HasSuffix(name, "handleOrderCreated") {
		t.Fatalf("unexpected handler name %q", name)
	}
}

func handleOrderCreated(_ context.Context, _ *outbox.Meta, _ *orderCreated) error {
	return nil
}

func TestBus_PublishNoSubscribers(t *testing.T) {
	t.Parallel()

	logBuffer := bytes.Buffer{}
	log := logrus.New()
	log.SetOutput(&logBuffer)
	log.SetLevel(logrus.WarnLevel)

	bus := New(log)
	On(bus, func(_ context.Context, _ *outbox.Meta, _ *orderCreated) error {
		t.Error("should not be called")
		return nil
	})

	err := bus.Publish(context.Background(), nil, &orderCancelled{OrderID: "o-1"})
	if !errors.Is(err, ErrNoSubscribers) {
		t.Fatalf("expected ErrNoSubscribers, got %v", err)
	}
	if !strings.Contains(logBuffer.String(), "eventbus.Publish: no matching subscribers") {
		t.Errorf("should have logged no matching subscribers, got: %q", logBuffer.String())
	}
}

func TestBus_PublishAcceptsValues(t *testing.T) {
	t.Parallel()

	bus := New(nil)
	var got string
	On(bus, func(_ context.Context, _ *outbox.Meta, e *orderCreated) error {
		got = e.OrderID
		return nil
	})
	if err := bus.Publish(context.Background(), nil, orderCreated{OrderID: "o-7"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "o-7" {
		t.Fatalf("expected o-7, got %q", got)
	}
}

func TestBus_PublishJoinsErrorsAndRecoversPanics(t *testing.T) {
	t.Parallel()

	logBuffer := bytes.Buffer{}
	log := logrus.New()
	log.SetOutput(&logBuffer)
	log.SetLevel(logrus.ErrorLevel)

	bus := New(log)
	errFirst := errors.New("first failed")
	thirdCalled := false
	On(bus, func(_ context.Context, _ *outbox.Meta, _ *orderCreated) error { return errFirst })
	On(bus, func(_ context.Context, _ *outbox.Meta, _ *orderCreated) error { panic("intentional panic for testing") })
	On(bus, func(_ context.Context, _ *outbox.Meta, _ *orderCreated) error {
		thirdCalled = true
		return nil
	})

	err := bus.Publish(context.Background(), nil, &orderCreated{})
	if !errors.Is(err, errFirst) {
		t.Fatalf("expected joined error to contain errFirst, got %v", err)
	}
	if !strings.Contains(err.Error(), "panicked") {
		t.Fatalf("expected panic in joined error, got %v", err)
	}
	if !thirdCalled {
		t.Fatal("handlers after a panic must still run")
	}
	if !strings.Contains(logBuffer.String(), "intentional panic for testing") {
		t.Errorf("panic should be logged, got: %q", logBuffer.String())
	}
}

func TestBus_ConcurrentRegistrationAndLookup(t *testing.T) {
	t.Parallel()

	bus := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			On(bus, func(_ context.Context, _ *outbox.Meta, _ *orderCreated) error { return nil })
		}()
		go func() {
			defer wg.Done()
			_ = bus.HandlersFor(reflect.TypeOf(orderCreated{}))
		}()
	}
	wg.Wait()

	if bus.SubscribersCount() != 50 {
		t.Fatalf("expected 50 subscribers, got %d", bus.SubscribersCount())
	}
	bus.Clear()
	if bus.SubscribersCount() != 0 {
		t.Fatalf("expected 0 subscribers after Clear, got %d", bus.SubscribersCount())
	}
}
