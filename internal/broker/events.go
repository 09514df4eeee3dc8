package broker

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// eventQueue funnels gateway push events to the consumer through a bounded
// channel. Publishing never blocks: when the queue is full the event is
// dropped with a warning and the overflow hook fires so the consumer can
// schedule a full resync.
type eventQueue struct {
	ch      chan Event
	dropped atomic.Int64

	hookMu sync.RWMutex
	hook   func()

	logger *slog.Logger
}

func newEventQueue(size int, logger *slog.Logger) *eventQueue {
	if size <= 0 {
		size = 1024
	}
	return &eventQueue{
		ch:     make(chan Event, size),
		logger: logger,
	}
}

func (q *eventQueue) events() <-chan Event { return q.ch }

func (q *eventQueue) setOverflowHook(fn func()) {
	q.hookMu.Lock()
	q.hook = fn
	q.hookMu.Unlock()
}

// publish enqueues an event, dropping it when the queue is full.
func (q *eventQueue) publish(ev Event) {
	select {
	case q.ch <- ev:
	default:
		n := q.dropped.Add(1)
		q.logger.Warn("event queue full, dropping event", "dropped_total", n)

		q.hookMu.RLock()
		hook := q.hook
		q.hookMu.RUnlock()
		if hook != nil {
			hook()
		}
	}
}

// droppedCount reports how many events have been dropped since start.
func (q *eventQueue) droppedCount() int64 { return q.dropped.Load() }
