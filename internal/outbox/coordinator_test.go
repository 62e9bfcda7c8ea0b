package outbox

import (
	"context"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"tgsync/internal/bus"
	"tgsync/internal/message"
	"tgsync/internal/peer"
)

type fakeInvoker struct {
	mu     stdsync.Mutex
	calls  []string
	errs   []error
	result any
}

func (f *fakeInvoker) Invoke(_ context.Context, method string, _ any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.result, nil
}

func (f *fakeInvoker) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func testCoordinator(inv *fakeInvoker) (*Coordinator, *message.Store) {
	store := message.NewStore(peer.NewDirectory(), nil)
	return NewCoordinator(store, inv, nil, nil), store
}

func TestSendTextOptimisticInsert(t *testing.T) {
	inv := &fakeInvoker{}
	c, store := testCoordinator(inv)

	m := c.SendText(context.Background(), 5, "hello", 0)
	if m == nil || !m.Pending || m.Key >= 0 {
		t.Fatalf("placeholder = %+v, want pending negative key", m)
	}
	if m.RandomID == "" {
		t.Error("placeholder missing correlation id")
	}
	// The optimistic write is visible before the round trip completes.
	if !store.Has(m.Key) {
		t.Error("placeholder not in store")
	}
	h, _ := store.HistoryIfExists(5)
	if h == nil || len(h.Pending) != 1 || h.Pending[0] != m.Key {
		t.Errorf("history pending = %+v", h)
	}

	c.Wait()
	if calls := inv.callList(); len(calls) != 1 || calls[0] != "messages.sendMessage" {
		t.Errorf("calls = %v", calls)
	}
}

func TestPlaceholderKeysDecrement(t *testing.T) {
	c, _ := testCoordinator(&fakeInvoker{})
	a := c.SendText(context.Background(), 5, "one", 0)
	b := c.SendText(context.Background(), 5, "two", 0)
	c.Wait()
	if b.Key >= a.Key {
		t.Errorf("keys %d, %d: newer placeholder must sort above older", a.Key, b.Key)
	}
}

func TestFinalizeReconciles(t *testing.T) {
	c, store := testCoordinator(&fakeInvoker{})
	events, unsub := busEvents(c)
	defer unsub()

	m := c.SendText(context.Background(), 5, "hello", 0)
	c.Wait()

	var cbFinal *message.Message
	c.AfterSent(m.Key, func(final *message.Message) { cbFinal = final })

	final, ok := c.Finalize(m.RandomID, message.Raw{ID: 1001, Peer: 5, Out: true, Text: "hello"})
	if !ok || final.Key != 1001 {
		t.Fatalf("Finalize = %+v, %v", final, ok)
	}
	if store.Has(m.Key) {
		t.Error("placeholder survived finalization")
	}

	h, _ := store.HistoryIfExists(5)
	if len(h.Pending) != 0 {
		t.Errorf("pending not cleared: %v", h.Pending)
	}
	if len(h.Confirmed) != 1 || h.Confirmed[0] != 1001 {
		t.Errorf("confirmed = %v", h.Confirmed)
	}

	if cbFinal != final {
		t.Error("deferred callback did not run with the final record")
	}
	if !hasEvent(events(), bus.MessageSent) {
		t.Error("message.sent not published")
	}

	// Duplicate acknowledgment is a no-op.
	if _, ok := c.Finalize(m.RandomID, message.Raw{ID: 1001, Peer: 5}); ok {
		t.Error("second finalize should report unknown id")
	}
}

func TestFinalizeStoredCleansPlaceholder(t *testing.T) {
	c, store := testCoordinator(&fakeInvoker{})
	events, unsub := busEvents(c)
	defer unsub()

	m := c.SendText(context.Background(), 5, "hello", 0)
	c.Wait()
	c.ConfirmKey(m.RandomID, 1001)

	// The acknowledged body already reached the store via the update stream.
	body := store.Save([]message.Raw{{ID: 1001, Peer: 5, Out: true, Text: "hello"}}, message.SaveOptions{})[0]
	store.History(5).InsertConfirmed(body.Key)

	final, ok := c.FinalizeStored(m.RandomID, body)
	if !ok || final.Key != 1001 || final.RandomID != m.RandomID {
		t.Fatalf("FinalizeStored = %+v, %v", final, ok)
	}
	if store.Has(m.Key) {
		t.Error("placeholder survived reconciliation")
	}
	h, _ := store.HistoryIfExists(5)
	if len(h.Pending) != 0 {
		t.Errorf("pending not cleared: %v", h.Pending)
	}
	if _, ok := c.TakeRandom(1001); ok {
		t.Error("buffered key mapping survived reconciliation")
	}
	if !hasEvent(events(), bus.MessageSent) {
		t.Error("message.sent not published")
	}

	if _, ok := c.FinalizeStored(m.RandomID, body); ok {
		t.Error("second reconciliation should report unknown id")
	}
}

func TestConfirmKeyBeforeBody(t *testing.T) {
	c, _ := testCoordinator(&fakeInvoker{})
	m := c.SendText(context.Background(), 5, "hi", 0)
	c.Wait()

	c.ConfirmKey(m.RandomID, 2001)
	randomID, ok := c.TakeRandom(2001)
	if !ok || randomID != m.RandomID {
		t.Fatalf("TakeRandom = %q, %v", randomID, ok)
	}
	if _, ok := c.TakeRandom(2001); ok {
		t.Error("TakeRandom should pop the mapping")
	}
	if _, ok := c.Finalize(randomID, message.Raw{ID: 2001, Peer: 5, Out: true}); !ok {
		t.Error("finalize after buffered confirmation failed")
	}

	// Ids for unknown sends are discarded.
	c.ConfirmKey("stranger", 3001)
	if _, ok := c.TakeRandom(3001); ok {
		t.Error("unknown correlation id should be dropped")
	}
}

func TestSendFailureAndRetry(t *testing.T) {
	inv := &fakeInvoker{errs: []error{errors.New("FLOOD_WAIT"), nil}}
	c, store := testCoordinator(inv)

	m := c.SendText(context.Background(), 5, "hello", 0)
	c.Wait()
	if !store.Get(m.Key).Err {
		t.Fatal("failed send should flag the placeholder")
	}

	if !c.Retry(context.Background(), m.Key) {
		t.Fatal("retry refused")
	}
	c.Wait()
	if store.Get(m.Key).Err {
		t.Error("retry should clear the error flag")
	}
	if c.Retry(context.Background(), m.Key) {
		t.Error("retry of a healthy placeholder should refuse")
	}
	if calls := inv.callList(); len(calls) != 2 {
		t.Errorf("calls = %v", calls)
	}
}

func TestCancelDropsPlaceholder(t *testing.T) {
	c, store := testCoordinator(&fakeInvoker{})
	m := c.SendText(context.Background(), 5, "oops", 0)
	c.Wait()

	if !c.Cancel(m.Key) {
		t.Fatal("cancel refused")
	}
	if store.Has(m.Key) {
		t.Error("placeholder survived cancel")
	}
	h, _ := store.HistoryIfExists(5)
	if len(h.Pending) != 0 {
		t.Errorf("pending not cleared: %v", h.Pending)
	}
	if c.Cancel(m.Key) {
		t.Error("double cancel should refuse")
	}
}

func TestMediaUploadsSerializedPerPeer(t *testing.T) {
	inv := &fakeInvoker{}
	c, _ := testCoordinator(inv)

	a := c.SendMedia(context.Background(), 5, message.Media{Kind: "photo", Ref: "a"}, "")
	b := c.SendMedia(context.Background(), 5, message.Media{Kind: "photo", Ref: "b"}, "")
	if a.Key == b.Key {
		t.Fatal("placeholders collided")
	}
	c.Wait()
	if calls := inv.callList(); len(calls) != 2 {
		t.Errorf("calls = %v, want both media sends dispatched in order", calls)
	}
	if len(c.PendingFor(5)) != 2 {
		t.Errorf("pending = %v", c.PendingFor(5))
	}
}

type blockingInvoker struct {
	started chan string
	release chan struct{}
}

func (f *blockingInvoker) Invoke(_ context.Context, method string, _ any) (any, error) {
	f.started <- method
	<-f.release
	return nil, nil
}

func TestUploadWaitsForPredecessor(t *testing.T) {
	inv := &blockingInvoker{started: make(chan string, 2), release: make(chan struct{})}
	store := message.NewStore(peer.NewDirectory(), nil)
	c := NewCoordinator(store, inv, nil, nil)

	c.SendMedia(context.Background(), 5, message.Media{Kind: "photo", Ref: "a"}, "")
	c.SendMedia(context.Background(), 5, message.Media{Kind: "photo", Ref: "b"}, "")

	<-inv.started
	select {
	case <-inv.started:
		t.Fatal("second upload dispatched while the first was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(inv.release)
	select {
	case <-inv.started:
	case <-time.After(time.Second):
		t.Fatal("queued upload never dispatched")
	}
	c.Wait()
}

func TestAfterSentRunsImmediatelyForAcknowledged(t *testing.T) {
	c, store := testCoordinator(&fakeInvoker{})
	store.Save([]message.Raw{{ID: 7, Peer: 5, Text: "done"}}, message.SaveOptions{})

	var got *message.Message
	c.AfterSent(7, func(m *message.Message) { got = m })
	if got == nil || got.Text != "done" {
		t.Errorf("callback got %+v", got)
	}
}

func busEvents(c *Coordinator) (func() []bus.Event, func()) {
	b := bus.New()
	c.bus = b
	ch, unsub := b.Subscribe("", 64)
	return func() []bus.Event {
		var out []bus.Event
		for {
			select {
			case ev := <-ch:
				out = append(out, ev)
			default:
				return out
			}
		}
	}, unsub
}

func hasEvent(events []bus.Event, kind string) bool {
	for _, ev := range events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}
