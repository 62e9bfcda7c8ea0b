// Package outbox implements optimistic sending: local placeholder records
// that are reconciled with the acknowledged message once the service confirms
// the send.
package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tgsync/internal/bus"
	"tgsync/internal/message"
	"tgsync/internal/peer"
	"tgsync/internal/remote"
)

type pendingSend struct {
	key      peer.Key
	peer     peer.ID
	randomID string
	method   string
	params   map[string]any
}

// SentPayload is published on message.sent when a placeholder is finalized.
type SentPayload struct {
	Peer    peer.ID
	TempKey peer.Key
	Key     peer.Key
}

// FailedPayload is published on message.send_failed.
type FailedPayload struct {
	Peer  peer.ID
	Key   peer.Key
	Error string
}

// Coordinator owns the send pipeline. Placeholders get decrementing negative
// keys so they sort above every acknowledged message; a correlation id ties
// each send to its confirmation, which may arrive either as the RPC response
// or as an incremental update, in either order relative to the message body.
// Not safe for concurrent use; the reconciler serializes all mutation.
type Coordinator struct {
	logger  *zap.Logger
	store   *message.Store
	bus     *bus.Bus
	invoker remote.Invoker

	onResult   func(res any)
	onFinalize func(placeholder, final *message.Message)
	gate       func(fn func())
	inflight   sync.WaitGroup

	tempSeq     int64
	byRandom    map[string]*pendingSend
	byKey       map[peer.Key]*pendingSend
	keyToRandom map[peer.Key]string
	callbacks   map[peer.Key][]func(*message.Message)

	uploading   map[peer.ID]bool
	uploadQueue map[peer.ID][]*pendingSend

	now func() int64
}

// NewCoordinator creates a send coordinator over the message store.
func NewCoordinator(store *message.Store, invoker remote.Invoker, b *bus.Bus, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		logger:      logger,
		store:       store,
		bus:         b,
		invoker:     invoker,
		byRandom:    make(map[string]*pendingSend),
		byKey:       make(map[peer.Key]*pendingSend),
		keyToRandom: make(map[peer.Key]string),
		callbacks:   make(map[peer.Key][]func(*message.Message)),
		uploading:   make(map[peer.ID]bool),
		uploadQueue: make(map[peer.ID][]*pendingSend),
		now:         func() int64 { return time.Now().Unix() },
	}
}

// OnResult registers the hook fed with successful send responses, so the
// update pipeline can apply them.
func (c *Coordinator) OnResult(fn func(res any)) { c.onResult = fn }

// OnFinalize registers the hook invoked after a placeholder is reconciled.
func (c *Coordinator) OnFinalize(fn func(placeholder, final *message.Message)) {
	c.onFinalize = fn
}

// SetGate installs the serializer that dispatch goroutines run their store
// mutations through. Without one they run unguarded.
func (c *Coordinator) SetGate(fn func(fn func())) { c.gate = fn }

func (c *Coordinator) gated(fn func()) {
	if c.gate != nil {
		c.gate(fn)
		return
	}
	fn()
}

// Wait blocks until every in-flight dispatch has completed, so shutdown
// snapshots see final send outcomes.
func (c *Coordinator) Wait() { c.inflight.Wait() }

// SendText inserts an optimistic placeholder and dispatches the send. The
// returned record is already visible in the peer's history.
func (c *Coordinator) SendText(ctx context.Context, p peer.ID, text string, replyTo peer.Key) *message.Message {
	ps, m := c.placeholder(p, text, nil, replyTo)
	ps.method = "messages.sendMessage"
	ps.params = map[string]any{
		"peer":      int64(p),
		"random_id": ps.randomID,
		"message":   text,
	}
	if replyTo != 0 {
		ps.params["reply_to"] = int64(replyTo)
	}
	c.dispatch(ctx, ps)
	return m
}

// SendMedia inserts a placeholder carrying media and queues the upload. At
// most one upload per peer is in flight; the rest wait in order.
func (c *Coordinator) SendMedia(ctx context.Context, p peer.ID, media message.Media, caption string) *message.Message {
	ps, m := c.placeholder(p, caption, &media, 0)
	ps.method = "messages.sendMedia"
	ps.params = map[string]any{
		"peer":      int64(p),
		"random_id": ps.randomID,
		"media":     media.Ref,
		"message":   caption,
	}
	c.uploadQueue[p] = append(c.uploadQueue[p], ps)
	if !c.uploading[p] {
		c.uploading[p] = true
		c.nextUpload(ctx, p)
	}
	return m
}

// nextUpload dispatches the head of the peer's upload queue. The completion
// continuation advances the queue, keeping one send per peer in flight.
func (c *Coordinator) nextUpload(ctx context.Context, p peer.ID) {
	if len(c.uploadQueue[p]) == 0 {
		delete(c.uploading, p)
		delete(c.uploadQueue, p)
		return
	}
	ps := c.uploadQueue[p][0]
	c.uploadQueue[p] = c.uploadQueue[p][1:]

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		res, err := c.invoker.Invoke(ctx, ps.method, ps.params)
		if err == nil && c.onResult != nil {
			c.onResult(res)
		}
		c.gated(func() {
			if err != nil {
				c.fail(ps, err)
			}
			c.nextUpload(ctx, p)
		})
	}()
}

func (c *Coordinator) placeholder(p peer.ID, text string, media *message.Media, replyTo peer.Key) (*pendingSend, *message.Message) {
	c.tempSeq++
	key := peer.Key(-c.tempSeq)

	ps := &pendingSend{key: key, peer: p, randomID: uuid.NewString()}
	m := &message.Message{
		Key:      key,
		Peer:     p,
		Date:     c.now(),
		Text:     text,
		Media:    media,
		ReplyTo:  replyTo,
		Out:      true,
		Unread:   true,
		Pending:  true,
		RandomID: ps.randomID,
	}
	c.store.Insert(m)
	c.store.History(p).PushPending(key)

	c.byRandom[ps.randomID] = ps
	c.byKey[key] = ps

	c.publish(bus.HistoryAppend, SentPayload{Peer: p, Key: key})
	c.publish(bus.MessagesPending, SentPayload{Peer: p, Key: key})
	return ps, m
}

// dispatch issues the network call off the caller's goroutine, so the
// optimistic write is visible before the round trip completes. The result
// sink locks for itself; only the failure path needs the gate.
func (c *Coordinator) dispatch(ctx context.Context, ps *pendingSend) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		res, err := c.invoker.Invoke(ctx, ps.method, ps.params)
		if err != nil {
			c.gated(func() { c.fail(ps, err) })
			return
		}
		if c.onResult != nil {
			c.onResult(res)
		}
	}()
}

func (c *Coordinator) fail(ps *pendingSend, err error) {
	c.logger.Error("send failed",
		zap.Int64("peer", int64(ps.peer)),
		zap.String("random_id", ps.randomID),
		zap.Error(err))

	m := c.store.Get(ps.key)
	m.Err = true
	c.publish(bus.MessageSendFailed, FailedPayload{Peer: ps.peer, Key: ps.key, Error: err.Error()})
}

// Retry re-dispatches a failed placeholder.
func (c *Coordinator) Retry(ctx context.Context, key peer.Key) bool {
	ps, ok := c.byKey[key]
	if !ok {
		return false
	}
	m := c.store.Get(key)
	if !m.Err {
		return false
	}
	m.Err = false
	c.dispatch(ctx, ps)
	return true
}

// Cancel withdraws a placeholder before it is acknowledged: the record is
// dropped and consumers see a delete.
func (c *Coordinator) Cancel(key peer.Key) bool {
	ps, ok := c.byKey[key]
	if !ok {
		return false
	}
	delete(c.byKey, key)
	delete(c.byRandom, ps.randomID)
	delete(c.callbacks, key)

	c.store.History(ps.peer).Remove(key)
	c.store.Drop(key)
	c.publish(bus.HistoryDelete, SentPayload{Peer: ps.peer, Key: key})
	return true
}

// ConfirmKey records the acknowledged key for a correlation id when the id
// mapping arrives before the message body. The reconciler finalizes once the
// body shows up, via TakeRandom.
func (c *Coordinator) ConfirmKey(randomID string, key peer.Key) {
	if _, ok := c.byRandom[randomID]; !ok {
		return
	}
	c.keyToRandom[key] = randomID
}

// TakeRandom pops the buffered correlation id for an acknowledged key.
func (c *Coordinator) TakeRandom(key peer.Key) (string, bool) {
	randomID, ok := c.keyToRandom[key]
	if ok {
		delete(c.keyToRandom, key)
	}
	return randomID, ok
}

// Finalize reconciles a placeholder with the acknowledged message: the
// placeholder is removed, the real record saved and confirmed, and deferred
// callbacks run. Reports false for unknown or already-finalized ids.
func (c *Coordinator) Finalize(randomID string, raw message.Raw) (*message.Message, bool) {
	ps, ok := c.byRandom[randomID]
	if !ok {
		return nil, false
	}
	delete(c.byRandom, randomID)
	delete(c.byKey, ps.key)

	placeholder := c.store.Get(ps.key)
	h := c.store.History(ps.peer)
	h.Remove(ps.key)
	c.store.Drop(ps.key)

	final := c.store.Save([]message.Raw{raw}, message.SaveOptions{})[0]
	if final == nil {
		c.logger.Warn("acknowledged message malformed", zap.String("random_id", randomID))
		return nil, false
	}
	final.RandomID = randomID
	h.InsertConfirmed(final.Key)
	h.AddCount(1)

	c.logger.Info("message sent",
		zap.Int64("peer", int64(ps.peer)),
		zap.Int64("key", int64(final.Key)),
		zap.String("random_id", randomID))
	c.publish(bus.MessageSent, SentPayload{Peer: ps.peer, TempKey: ps.key, Key: final.Key})

	for _, fn := range c.callbacks[ps.key] {
		fn(final)
	}
	delete(c.callbacks, ps.key)

	if c.onFinalize != nil {
		c.onFinalize(placeholder, final)
	}
	return final, true
}

// FinalizeStored reconciles a placeholder whose acknowledged body already
// reached the store through the update stream: only the placeholder side is
// left to clean up. Reports false for unknown or already-finalized ids.
func (c *Coordinator) FinalizeStored(randomID string, final *message.Message) (*message.Message, bool) {
	ps, ok := c.byRandom[randomID]
	if !ok || final == nil {
		return nil, false
	}
	delete(c.byRandom, randomID)
	delete(c.byKey, ps.key)
	delete(c.keyToRandom, final.Key)

	placeholder := c.store.Get(ps.key)
	c.store.History(ps.peer).Remove(ps.key)
	c.store.Drop(ps.key)
	final.RandomID = randomID

	c.logger.Info("message sent",
		zap.Int64("peer", int64(ps.peer)),
		zap.Int64("key", int64(final.Key)),
		zap.String("random_id", randomID))
	c.publish(bus.MessageSent, SentPayload{Peer: ps.peer, TempKey: ps.key, Key: final.Key})

	for _, fn := range c.callbacks[ps.key] {
		fn(final)
	}
	delete(c.callbacks, ps.key)

	if c.onFinalize != nil {
		c.onFinalize(placeholder, final)
	}
	return final, true
}

// AfterSent defers fn until the placeholder is acknowledged; for keys that
// are not pending it runs immediately against the stored record. Used to
// queue edits against messages still in flight.
func (c *Coordinator) AfterSent(key peer.Key, fn func(*message.Message)) {
	if _, ok := c.byKey[key]; ok {
		c.callbacks[key] = append(c.callbacks[key], fn)
		return
	}
	fn(c.store.Get(key))
}

// PendingFor returns the placeholder keys in flight for a peer, oldest first.
func (c *Coordinator) PendingFor(p peer.ID) []peer.Key {
	var keys []peer.Key
	for k, ps := range c.byKey {
		if ps.peer == p {
			keys = append(keys, k)
		}
	}
	// Oldest placeholders have the highest keys (closest to zero).
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] > keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

func (c *Coordinator) publish(kind string, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
