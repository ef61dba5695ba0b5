package events

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/evalissues/internal/store"
)

func runBus(t *testing.T, b *Bus) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = b.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestBus_DeliversToSubscribers(t *testing.T) {
	b := NewBus(0, nil)

	var (
		mu  sync.Mutex
		got []Event
	)
	b.Subscribe(IssueMerged, func(_ context.Context, e Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
		return nil
	})
	b.Subscribe(IssueDeleted, func(context.Context, Event) error {
		t.Error("wrong type delivered")
		return nil
	})

	stop := runBus(t, b)
	b.Publish(Event{Type: IssueMerged, AnchorID: 1, MergedIDs: []int64{2, 3}})
	stop()

	require.Len(t, got, 1)
	assert.Equal(t, []int64{2, 3}, got[0].MergedIDs)
	assert.False(t, got[0].OccurredAt.IsZero())
}

func TestBus_HandlerFailureDoesNotStopOthers(t *testing.T) {
	b := NewBus(0, nil)

	var calls int
	b.Subscribe(IssueUpdated, func(context.Context, Event) error { return errors.New("boom") })
	b.Subscribe(IssueUpdated, func(context.Context, Event) error { panic("worse") })
	b.Subscribe(IssueUpdated, func(context.Context, Event) error {
		calls++
		return nil
	})

	stop := runBus(t, b)
	b.Publish(Event{Type: IssueUpdated, IssueID: 1})
	b.Publish(Event{Type: IssueUpdated, IssueID: 2})
	stop()

	assert.Equal(t, 2, calls)
}

func TestBus_PublishLaterWaitsForCommit(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "events.db") + "?_time_format=sqlite"
	s, err := store.Open(context.Background(), store.DriverSQLite, dsn, nil)
	require.NoError(t, err)
	defer s.Close()

	b := NewBus(0, nil)
	delivered := make(chan Event, 2)
	b.Subscribe(IssueDeleted, func(_ context.Context, e Event) error {
		delivered <- e
		return nil
	})
	stop := runBus(t, b)
	defer stop()

	err = s.WithTx(context.Background(), func(tx *store.Tx) error {
		b.PublishLater(tx, Event{Type: IssueDeleted, IssueID: 1})
		return errors.New("rolled back")
	})
	require.Error(t, err)

	err = s.WithTx(context.Background(), func(tx *store.Tx) error {
		b.PublishLater(tx, Event{Type: IssueDeleted, IssueID: 2})
		select {
		case <-delivered:
			t.Error("delivered before commit")
		case <-time.After(20 * time.Millisecond):
		}
		return nil
	})
	require.NoError(t, err)

	select {
	case e := <-delivered:
		assert.Equal(t, int64(2), e.IssueID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered after commit")
	}
}

func TestBus_FullQueueStillDelivers(t *testing.T) {
	b := NewBus(1, nil)
	var wg sync.WaitGroup
	wg.Add(2)
	b.Subscribe(IssueCreated, func(context.Context, Event) error {
		wg.Done()
		return nil
	})

	b.Publish(Event{Type: IssueCreated, IssueID: 1}) // fills the queue
	b.Publish(Event{Type: IssueCreated, IssueID: 2}) // delivered out of band

	stop := runBus(t, b)
	wg.Wait()
	stop()
}
