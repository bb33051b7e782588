package gateway

import (
	"context"
	"errors"
	"testing"
)

func TestEventOutlivesParent(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ev := NewEvent(parent)
	cancel()

	started := make(chan struct{})
	release := make(chan struct{})
	ev.WaitUntil(func(ctx context.Context) error {
		close(started)
		<-release
		return ctx.Err()
	})
	<-started
	close(release)

	if err := ev.Wait(); err != nil {
		t.Fatalf("task context should not be canceled with its parent: %v", err)
	}
	if ev.Context().Err() == nil {
		t.Error("event context should be released after Wait")
	}
}

func TestEventWaitReportsFirstError(t *testing.T) {
	ev := NewEvent(context.Background())
	boom := errors.New("boom")
	ev.WaitUntil(func(context.Context) error { return boom })
	ev.WaitUntil(func(context.Context) error { return nil })

	if err := ev.Wait(); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestEventCancel(t *testing.T) {
	ev := NewEvent(context.Background())
	ev.WaitUntil(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ev.Cancel()

	if err := ev.Wait(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
