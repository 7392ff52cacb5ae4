package delivery

import (
	"context"
	"errors"
	"testing"
)

func TestRegistryDeliver(t *testing.T) {
	reg := NewRegistry()

	var gotTarget, gotMsg string
	reg.Register("test:", func(ctx context.Context, target, message string) error {
		gotTarget = target
		gotMsg = message
		return nil
	})

	err := reg.Deliver(context.Background(), "test:123", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotTarget != "test:123" {
		t.Errorf("expected target %q, got %q", "test:123", gotTarget)
	}
	if gotMsg != "hello" {
		t.Errorf("expected message %q, got %q", "hello", gotMsg)
	}
}

func TestRegistryNoHandler(t *testing.T) {
	reg := NewRegistry()

	err := reg.Deliver(context.Background(), "unknown:123", "hello")
	if err == nil {
		t.Fatal("expected error for unregistered prefix, got nil")
	}
}

func TestRegistryLongestPrefixWins(t *testing.T) {
	reg := NewRegistry()

	var generic, specific int
	reg.Register("telegram:", func(ctx context.Context, target, message string) error {
		generic++
		return nil
	})
	reg.Register("telegram:-100", func(ctx context.Context, target, message string) error {
		specific++
		return nil
	})

	for i := 0; i < 20; i++ {
		if err := reg.Deliver(context.Background(), "telegram:-100555", "x"); err != nil {
			t.Fatal(err)
		}
	}
	if err := reg.Deliver(context.Background(), "telegram:42", "x"); err != nil {
		t.Fatal(err)
	}
	if specific != 20 || generic != 1 {
		t.Errorf("expected 20 specific and 1 generic, got %d and %d", specific, generic)
	}
}

func TestRegistryHandlerError(t *testing.T) {
	reg := NewRegistry()
	boom := errors.New("boom")
	reg.Register("x:", func(ctx context.Context, target, message string) error { return boom })

	if err := reg.Deliver(context.Background(), "x:1", "m"); !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
}
