package broker

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEventQueueDelivery(t *testing.T) {
	t.Parallel()

	q := newEventQueue(4, discardLogger())
	q.publish(ErrorEvent{Code: 1100, Message: "connectivity lost"})

	select {
	case ev := <-q.events():
		errEv, ok := ev.(ErrorEvent)
		if !ok {
			t.Fatalf("event type = %T, want ErrorEvent", ev)
		}
		if errEv.Code != 1100 {
			t.Errorf("code = %d, want 1100", errEv.Code)
		}
	default:
		t.Fatal("expected an event")
	}
}

func TestEventQueueOverflow(t *testing.T) {
	t.Parallel()

	var hookCalls atomic.Int64
	q := newEventQueue(1, discardLogger())
	q.setOverflowHook(func() { hookCalls.Add(1) })

	for i := 0; i < 3; i++ {
		q.publish(ErrorEvent{Code: i})
	}

	if got := q.droppedCount(); got != 2 {
		t.Errorf("droppedCount = %d, want 2", got)
	}
	if got := hookCalls.Load(); got != 2 {
		t.Errorf("hook calls = %d, want 2", got)
	}

	// The first event is still deliverable.
	select {
	case ev := <-q.events():
		if ev.(ErrorEvent).Code != 0 {
			t.Errorf("code = %d, want 0", ev.(ErrorEvent).Code)
		}
	default:
		t.Fatal("expected the first event to survive")
	}
}
