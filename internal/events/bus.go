// Package events delivers issue lifecycle events to in-process subscribers
// once the transaction that produced them has committed.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bull/evalissues/internal/store"
)

// Type names an event.
type Type string

const (
	IssueCreated    Type = "issueCreated"
	IssueUpdated    Type = "issueUpdated"
	IssueDeleted    Type = "issueDeleted"
	IssueMerged     Type = "issueMerged"
	IssueEscalating Type = "issueEscalating"
)

// DefaultBuffer is the number of events queued before Publish hands
// delivery to a separate goroutine.
const DefaultBuffer = 1024

// Event is a lifecycle notification. Only the fields relevant to Type are set.
type Event struct {
	Type        Type
	WorkspaceID int64
	IssueID     int64
	AnchorID    int64   // IssueMerged
	MergedIDs   []int64 // IssueMerged
	OccurredAt  time.Time
}

// Handler consumes one event. Errors are logged, never retried.
type Handler func(ctx context.Context, e Event) error

// Bus is an asynchronous fire-and-forget event bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler

	queue  chan Event
	logger *slog.Logger
	now    func() time.Time
}

// NewBus creates a bus. Events are dispatched by Run.
func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[Type][]Handler),
		queue:    make(chan Event, buffer),
		logger:   logger,
		now:      time.Now,
	}
}

// Subscribe registers h for events of type t.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Publish queues e for delivery. It never blocks the caller.
func (b *Bus) Publish(e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = b.now().UTC()
	}
	select {
	case b.queue <- e:
	default:
		b.logger.Warn("event queue full, delivering out of band", "type", e.Type, "issue_id", e.IssueID)
		go b.dispatch(context.Background(), e)
	}
}

// PublishLater queues e for delivery once tx commits. Nothing is published
// if tx rolls back.
func (b *Bus) PublishLater(tx *store.Tx, e Event) {
	tx.AfterCommit(func() { b.Publish(e) })
}

// Run dispatches queued events until ctx is cancelled, then delivers what is
// still queued and returns.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case e := <-b.queue:
			b.dispatch(ctx, e)
		case <-ctx.Done():
			b.drain()
			return nil
		}
	}
}

func (b *Bus) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		select {
		case e := <-b.queue:
			b.dispatch(ctx, e)
		default:
			return
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, e Event) {
	b.mu.RLock()
	handlers := b.handlers[e.Type]
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := b.safeCall(ctx, h, e); err != nil {
			b.logger.Error("event handler failed", "type", e.Type, "issue_id", e.IssueID, "error", err)
		}
	}
}

func (b *Bus) safeCall(ctx context.Context, h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, e)
}
