package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryPublishConsume(t *testing.T) {
	q := NewInMemory(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Publish(ctx, Message{Type: "grant-access", Body: []byte(`{"studentId":"s1"}`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msgs, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	select {
	case msg := <-msgs:
		if msg.Type != "grant-access" || string(msg.Body) != `{"studentId":"s1"}` {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message")
	}

	cancel()
	select {
	case _, ok := <-msgs:
		if ok {
			t.Fatalf("expected channel close after cancel")
		}
	case <-time.After(time.Second):
		t.Fatalf("consumer did not stop")
	}
}

func TestInMemoryPublishDoesNotBlock(t *testing.T) {
	q := NewInMemory(1)
	ctx := context.Background()
	if err := q.Publish(ctx, Message{Type: "a"}); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := q.Publish(ctx, Message{Type: "b"}); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.Publish(cancelled, Message{Type: "c"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
