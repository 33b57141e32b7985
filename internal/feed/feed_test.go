package feed

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/honeytrail/internal/event"
)

// memorySource is an in-memory EventSource for feed tests.
type memorySource struct {
	mu     sync.Mutex
	events []event.Event
}

func (m *memorySource) add(ev event.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
}

func (m *memorySource) After(ctx context.Context, lastID int64, limit int) ([]event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []event.Event
	for _, ev := range m.events {
		if ev.ID > lastID {
			out = append(out, ev)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func testFeed(source EventSource, notifier *Notifier) *Feed {
	return New(source, notifier, Config{
		PollInterval: 50 * time.Millisecond,
		BatchSize:    2,
	}, zap.NewNop(), nil)
}

func collect(t *testing.T, ch <-chan event.Event, n int) []event.Event {
	t.Helper()

	var out []event.Event
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed after %d of %d events", len(out), n)
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

// =============================================================================
// Notifier Tests
// =============================================================================

// TestNotifier_BroadcastCoalesces verifies repeated broadcasts leave at most
// one pending wakeup per subscriber.
func TestNotifier_BroadcastCoalesces(t *testing.T) {
	n := NewNotifier()
	id, wake := n.Register()
	defer n.Unregister(id)

	for i := 0; i < 5; i++ {
		n.Broadcast()
	}

	<-wake
	select {
	case <-wake:
		t.Error("expected a single coalesced wakeup")
	default:
	}
}

// TestNotifier_UnregisterStopsDelivery verifies removed subscribers get no
// further wakeups.
func TestNotifier_UnregisterStopsDelivery(t *testing.T) {
	n := NewNotifier()
	id, wake := n.Register()
	n.Unregister(id)

	if n.Len() != 0 {
		t.Errorf("expected 0 subscribers, got %d", n.Len())
	}

	n.Broadcast()
	select {
	case <-wake:
		t.Error("unregistered subscriber must not be woken")
	default:
	}
}

// =============================================================================
// Subscribe Tests
// =============================================================================

// TestSubscribe_CatchUpFromZero verifies a fresh subscriber replays the
// backlog in ascending order, across multiple batches.
func TestSubscribe_CatchUpFromZero(t *testing.T) {
	source := &memorySource{}
	for i := 0; i < 5; i++ {
		source.add(event.Event{SourceIP: "203.0.113.1"})
	}

	notifier := NewNotifier()
	f := testFeed(source, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := collect(t, f.Subscribe(ctx, 0), 5)
	for i, ev := range got {
		if ev.ID != int64(i+1) {
			t.Errorf("position %d: expected id %d, got %d", i, i+1, ev.ID)
		}
	}
}

// TestSubscribe_ResumeFromCursor verifies resuming past delivered events
// skips them.
func TestSubscribe_ResumeFromCursor(t *testing.T) {
	source := &memorySource{}
	for i := 0; i < 4; i++ {
		source.add(event.Event{})
	}

	notifier := NewNotifier()
	f := testFeed(source, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := collect(t, f.Subscribe(ctx, 2), 2)
	if got[0].ID != 3 || got[1].ID != 4 {
		t.Errorf("expected ids 3,4 got %d,%d", got[0].ID, got[1].ID)
	}
}

// TestSubscribe_WakesOnBroadcast verifies an insert broadcast delivers the
// new event without waiting out the poll interval.
func TestSubscribe_WakesOnBroadcast(t *testing.T) {
	source := &memorySource{}
	notifier := NewNotifier()

	// Long poll interval so delivery must come from the wakeup.
	f := New(source, notifier, Config{
		PollInterval: time.Minute,
		BatchSize:    10,
	}, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := f.Subscribe(ctx, 0)

	// Let the subscriber drain the empty backlog and block on its wakeup.
	time.Sleep(50 * time.Millisecond)

	source.add(event.Event{SourceIP: "203.0.113.9"})
	notifier.Broadcast()

	got := collect(t, ch, 1)
	if got[0].ID != 1 || got[0].SourceIP != "203.0.113.9" {
		t.Errorf("unexpected event: %+v", got[0])
	}
}

// TestSubscribe_ClosesOnCancel verifies the channel closes and the
// subscriber detaches when the context ends.
func TestSubscribe_ClosesOnCancel(t *testing.T) {
	source := &memorySource{}
	notifier := NewNotifier()
	f := testFeed(source, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	ch := f.Subscribe(ctx, 0)

	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				if notifier.Len() != 0 {
					// Detach happens just before close; give it a moment.
					time.Sleep(20 * time.Millisecond)
					if notifier.Len() != 0 {
						t.Errorf("expected subscriber to detach, %d remain", notifier.Len())
					}
				}
				return
			}
		case <-deadline:
			t.Fatal("channel did not close after cancellation")
		}
	}
}

// TestSubscribe_AtLeastOnceRedelivery verifies reconnecting with an older
// cursor redelivers already seen events.
func TestSubscribe_AtLeastOnceRedelivery(t *testing.T) {
	source := &memorySource{}
	for i := 0; i < 3; i++ {
		source.add(event.Event{})
	}

	notifier := NewNotifier()
	f := testFeed(source, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := collect(t, f.Subscribe(ctx, 0), 3)
	again := collect(t, f.Subscribe(ctx, first[0].ID-1), 3)
	if again[0].ID != first[0].ID {
		t.Errorf("expected redelivery from id %d, got %d", first[0].ID, again[0].ID)
	}
}
