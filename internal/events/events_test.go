package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ChainTrader/internal/config"
)

func TestMemoryBusDeliversEvents(t *testing.T) {
	bus := NewMemoryBus(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen []Type
	)
	done := make(chan error, 1)
	go func() {
		done <- bus.Subscribe(ctx, 2, func(_ context.Context, e Event) error {
			mu.Lock()
			seen = append(seen, e.Type)
			mu.Unlock()
			return nil
		})
	}()

	for _, typ := range []Type{TypeAgentCreated, TypeDispatchCompleted, TypeAgentDeleted} {
		if err := bus.Publish(ctx, New(typ)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected 3 events, got %d", n)
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
	if err := bus.Publish(context.Background(), New(TypeAgentCreated)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected publish after close to fail, got %v", err)
	}
}

func TestMemoryBusPublishRespectsContext(t *testing.T) {
	bus := NewMemoryBus(1)
	if err := bus.Publish(context.Background(), New(TypeAgentCreated)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := bus.Publish(ctx, New(TypeAgentCreated)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded on full buffer, got %v", err)
	}
}

func TestEncodeDecodeKeepsFields(t *testing.T) {
	e := New(TypeDispatchCompleted)
	e.Function = "transfer_funds"
	e.TxHash = "0xabc"
	e.ErrorKind = "CHAIN_REJECTED"

	raw, err := Encode(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != e.ID || got.Function != e.Function || got.TxHash != e.TxHash || got.ErrorKind != e.ErrorKind {
		t.Fatalf("decoded event mismatch: %+v", got)
	}
	if !got.OccurredAt.Equal(e.OccurredAt) {
		t.Fatalf("timestamp mismatch: %v vs %v", got.OccurredAt, e.OccurredAt)
	}
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, Event) error {
	f.calls++
	return errors.New("broker down")
}
func (f *failingPublisher) Close() error { return nil }

func TestEmitterSwallowsErrors(t *testing.T) {
	pub := &failingPublisher{}
	em := NewEmitter(pub)
	em.Emit(context.Background(), Event{Type: TypeAgentDeleted})
	if pub.calls != 1 {
		t.Fatalf("expected one publish attempt, got %d", pub.calls)
	}

	var nilEmitter *Emitter
	nilEmitter.Emit(context.Background(), New(TypeAgentDeleted))
	NewEmitter(nil).Emit(context.Background(), New(TypeAgentDeleted))
}

func TestOpenSelectsDriver(t *testing.T) {
	bus, err := Open(context.Background(), config.EventsConfig{Driver: "memory", Buffer: 4})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := bus.(*MemoryBus); !ok {
		t.Fatalf("expected memory bus, got %T", bus)
	}
	none, err := Open(context.Background(), config.EventsConfig{Driver: "none"})
	if err != nil || none != nil {
		t.Fatalf("expected nil bus for none, got %v %v", none, err)
	}
	if _, err := Open(context.Background(), config.EventsConfig{Driver: "kafka"}); err == nil {
		t.Fatal("expected unsupported driver error")
	}
	if _, err := NewRabbitMQBus(RabbitMQConfig{}); err == nil {
		t.Fatal("expected error for empty rabbitmq url")
	}
	if _, err := NewRedisBus(context.Background(), RedisConfig{}); err == nil {
		t.Fatal("expected error for empty redis address")
	}
}

func TestAuditSinkAcceptsEvents(t *testing.T) {
	e := New(TypeDispatchCompleted)
	e.AgentID = "alice"
	e.LatencyMS = 12
	if err := AuditSink(context.Background(), e); err != nil {
		t.Fatalf("audit sink: %v", err)
	}
}
