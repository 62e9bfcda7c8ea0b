// Package sync implements the reconciliation engine: it applies incremental
// updates from the service to the local replica and fills gaps by fetching.
package sync

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"tgsync/internal/bus"
	"tgsync/internal/dialog"
	"tgsync/internal/filter"
	"tgsync/internal/message"
	"tgsync/internal/outbox"
	"tgsync/internal/peer"
	"tgsync/internal/remote"
)

// Options tunes the engine's timers and page sizes.
type Options struct {
	// NotifyDebounce batches per-message notifications into multi events.
	NotifyDebounce time.Duration
	// MigrateGrace delays dropping a migrated dialog so both records briefly
	// coexist and consumers can hand off.
	MigrateGrace time.Duration
	// HistoryPageSize is the default fetch size for history pages.
	HistoryPageSize int
}

// MultiAppendPayload is published on history.multiappend.
type MultiAppendPayload struct {
	Keys map[peer.ID][]peer.Key
}

// DialogsPayload is published on dialog.multiupdate.
type DialogsPayload struct {
	Peers []peer.ID
}

// ReadPayload is published on message.read.
type ReadPayload struct {
	Peer   peer.ID
	MaxKey peer.Key
	Out    bool
}

// DeletePayload is published on history.delete.
type DeletePayload struct {
	Peer peer.ID
	Keys []peer.Key
}

// MigratePayload is published on dialog.migrate.
type MigratePayload struct {
	From peer.ID
	To   peer.ID
}

// Engine reconciles updates against the replica. A single mutex serializes
// every mutation, giving updates the one-at-a-time semantics the ordering
// invariants assume.
type Engine struct {
	mu sync.Mutex

	logger    *zap.Logger
	bus       *bus.Bus
	invoker   remote.Invoker
	store     *message.Store
	dialogs   *dialog.Storage
	filters   *filter.Registry
	outbox    *outbox.Coordinator
	directory *peer.Directory
	opts      Options

	deferred    map[peer.ID][]Update
	reloading   map[peer.ID]bool
	reloadQueue []peer.ID
	cancel      context.CancelFunc

	newMessages   map[peer.ID][]peer.Key
	dialogNotices map[peer.ID]bool
	flushTimer    *time.Timer

	maxSeen         peer.Key
	reportedMaxSeen peer.Key

	pendingMigrateDrops []peer.ID
}

// NewEngine wires the engine over its collaborators and registers itself as
// the store's migration hook and the coordinator's result sink.
func NewEngine(
	store *message.Store,
	dialogs *dialog.Storage,
	filters *filter.Registry,
	ob *outbox.Coordinator,
	directory *peer.Directory,
	invoker remote.Invoker,
	b *bus.Bus,
	logger *zap.Logger,
	opts Options,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HistoryPageSize <= 0 {
		opts.HistoryPageSize = 50
	}
	e := &Engine{
		logger:        logger,
		bus:           b,
		invoker:       invoker,
		store:         store,
		dialogs:       dialogs,
		filters:       filters,
		outbox:        ob,
		directory:     directory,
		opts:          opts,
		deferred:      make(map[peer.ID][]Update),
		reloading:     make(map[peer.ID]bool),
		newMessages:   make(map[peer.ID][]peer.Key),
		dialogNotices: make(map[peer.ID]bool),
	}
	store.OnMigrate(e.migrateChecks)
	store.SetWatermarks(dialogs)
	dialogs.SetTopDates(store)
	if ob != nil {
		ob.OnResult(e.Apply)
		ob.OnFinalize(e.afterSendFinalized)
		ob.SetGate(e.exclusive)
	}
	return e
}

// exclusive runs fn under the engine lock. The coordinator's dispatch
// goroutines use it to serialize their store mutations with the reconciler.
func (e *Engine) exclusive(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn()
}

// Apply digests a transport response or pushed update batch. Unknown shapes
// are ignored with a log line rather than failing the stream.
func (e *Engine) Apply(res any) {
	switch v := res.(type) {
	case nil:
	case UpdatesResult:
		e.ApplyUpdates(v.Updates)
	case *UpdatesResult:
		e.ApplyUpdates(v.Updates)
	case []Update:
		e.ApplyUpdates(v)
	case Update:
		e.ApplyUpdates([]Update{v})
	default:
		e.logger.Warn("unhandled response shape", zap.Any("response", res))
	}
}

// ApplyUpdates applies the batch in order under the engine lock.
func (e *Engine) ApplyUpdates(updates []Update) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, u := range updates {
		e.applyOne(u)
	}
}

func (e *Engine) applyOne(u Update) {
	switch v := u.(type) {
	case NewMessage:
		e.handleNewMessage(v)
	case EditMessage:
		e.handleEdit(v)
	case MessageID:
		e.handleMessageID(v)
	case ReadInbox:
		e.handleRead(v, v.Peer, v.MaxID, false, v.StillUnread)
	case ReadOutbox:
		e.handleRead(v, v.Peer, v.MaxID, true, -1)
	case DeleteMessages:
		e.handleDelete(v)
	case DialogPinned:
		e.handleDialogPinned(v)
	case PinnedOrder:
		e.handlePinnedOrder(v)
	case FolderPeer:
		e.handleFolderPeer(v)
	case FilterChange:
		e.handleFilterChange(v)
	case NotifySettings:
		e.handleNotifySettings(v)
	default:
		e.logger.Debug("ignoring unknown update", zap.Any("update", u))
	}
}

func (e *Engine) handleNewMessage(u NewMessage) {
	raw := u.Raw
	channel := peer.ChannelOf(raw.Peer, e.directory)
	key := peer.FullKey(raw.ID, channel)

	// A buffered id mapping means this body acknowledges one of our sends.
	if e.outbox != nil {
		if randomID, ok := e.outbox.TakeRandom(key); ok {
			if final, ok := e.outbox.Finalize(randomID, raw); ok {
				e.bumpDialogTop(final)
			}
			return
		}
	}

	d, known := e.dialogs.Get(raw.Peer)
	if !known {
		e.deferUpdate(raw.Peer, u)
		return
	}

	saved := e.store.Save([]message.Raw{raw}, message.SaveOptions{})[0]
	if saved == nil {
		return
	}
	if saved.ClearHistory {
		e.clearHistory(raw.Peer)
		return
	}

	h := e.store.History(raw.Peer)
	if h.InsertConfirmed(saved.Key) {
		h.AddCount(1)
	}
	if h.MergeReplyKeyboard(saved) {
		e.publish(bus.HistoryReplyMarkup, DialogsPayload{Peers: []peer.ID{raw.Peer}})
	}

	if !saved.Out && saved.Unread {
		d.UnreadCount++
	}
	d.TopMessage = saved.Key
	e.dialogs.GenerateIndexFor(d)
	e.dialogs.Push(d, 0)

	if !saved.Out && saved.Key.Channel() == 0 && saved.Key > e.maxSeen {
		e.maxSeen = saved.Key
	}

	e.newMessages[raw.Peer] = append(e.newMessages[raw.Peer], saved.Key)
	e.dialogNotices[raw.Peer] = true
	e.scheduleFlush()
}

func (e *Engine) handleEdit(u EditMessage) {
	saved := e.store.Save([]message.Raw{u.Raw}, message.SaveOptions{Edited: true})[0]
	if saved == nil {
		return
	}
	e.publish(bus.MessageEdit, DeletePayload{Peer: saved.Peer, Keys: []peer.Key{saved.Key}})

	if d, ok := e.dialogs.Get(saved.Peer); ok && d.TopMessage == saved.Key {
		e.dialogNotices[saved.Peer] = true
		e.scheduleFlush()
	}
}

func (e *Engine) handleMessageID(u MessageID) {
	if e.outbox == nil {
		return
	}
	channel := peer.ChannelOf(u.Peer, e.directory)
	key := peer.FullKey(u.ID, channel)

	// The body may already have arrived as an ordinary new message; in that
	// case the placeholder is reconciled right here instead of waiting for a
	// body that will never be reprocessed.
	if m := e.store.Get(key); !m.Deleted {
		if final, ok := e.outbox.FinalizeStored(u.RandomID, m); ok {
			e.bumpDialogTop(final)
		}
		return
	}
	e.outbox.ConfirmKey(u.RandomID, key)
}

// handleRead advances a watermark and sweeps the confirmed sequence newest
// first. Messages of the other direction are skipped; the sweep stops at the
// first already-read message of the right direction, since everything below
// it is read too.
func (e *Engine) handleRead(orig Update, p peer.ID, maxID int64, out bool, stillUnread int) {
	d, ok := e.dialogs.Get(p)
	if !ok {
		e.deferUpdate(p, orig)
		return
	}

	channel := peer.ChannelOf(p, e.directory)
	maxKey := peer.FullKey(maxID, channel)

	cleared := 0
	if h, ok := e.store.HistoryIfExists(p); ok {
		for _, k := range h.Confirmed {
			if k > maxKey {
				continue
			}
			m := e.store.Get(k)
			if m.Out != out {
				continue
			}
			if !m.Unread {
				break
			}
			m.Unread = false
			cleared++
		}
	}

	if out {
		if maxKey > d.ReadOutboxMax {
			d.ReadOutboxMax = maxKey
		}
	} else {
		if maxKey > d.ReadInboxMax {
			d.ReadInboxMax = maxKey
		}
		if stillUnread >= 0 {
			d.UnreadCount = stillUnread
		} else {
			// No server count: subtract what the sweep cleared. The sweep
			// only sees locally known messages, so this undercounts at worst.
			d.UnreadCount -= cleared
			if d.UnreadCount < 0 {
				d.UnreadCount = 0
			}
		}
		if d.TopMessage != 0 && d.TopMessage <= maxKey {
			d.UnreadCount = 0
		}
	}

	e.publish(bus.MessagesRead, ReadPayload{Peer: p, MaxKey: maxKey, Out: out})
	if !out {
		e.publish(bus.DialogUnread, DialogsPayload{Peers: []peer.ID{p}})
	}
}

func (e *Engine) handleDelete(u DeleteMessages) {
	keys := make([]peer.Key, len(u.IDs))
	for i, id := range u.IDs {
		keys[i] = peer.FullKey(id, u.Channel)
	}

	sums := e.store.Delete(keys)
	for p, sum := range sums {
		deleted := make([]peer.Key, 0, len(sum.Keys))
		for k := range sum.Keys {
			deleted = append(deleted, k)
		}
		e.publish(bus.HistoryDelete, DeletePayload{Peer: p, Keys: deleted})

		d, ok := e.dialogs.Get(p)
		if !ok {
			continue
		}
		d.UnreadCount -= sum.Unread
		if d.UnreadCount < 0 {
			d.UnreadCount = 0
		}
		if sum.Keys[d.TopMessage] {
			// The local sequence may be non-contiguous, so the next top
			// cannot be derived here; the summary must be refetched.
			e.scheduleReload(p)
		}
		e.dialogNotices[p] = true
	}
	if len(sums) > 0 {
		e.scheduleFlush()
	}
}

func (e *Engine) handleDialogPinned(u DialogPinned) {
	d, ok := e.dialogs.Get(u.Peer)
	if !ok {
		return
	}
	e.dialogs.SetPinned(d, u.Pinned)
	e.dialogs.GenerateIndexFor(d)
	e.dialogs.Push(d, 0)
	e.dialogNotices[u.Peer] = true
	e.scheduleFlush()
}

func (e *Engine) handlePinnedOrder(u PinnedOrder) {
	inOrder := make(map[peer.ID]bool, len(u.Order))
	for _, p := range u.Order {
		inOrder[p] = true
	}
	// Push relocates entries inside the folder's backing array; iterate a
	// snapshot so unpinned dialogs cannot shift later ones out of the walk.
	for _, d := range slices.Clone(e.dialogs.Folder(u.Folder)) {
		if d.Pinned && !inOrder[d.Peer] {
			e.dialogs.SetPinned(d, false)
			e.dialogs.GenerateIndexFor(d)
			e.dialogs.Push(d, 0)
			e.dialogNotices[d.Peer] = true
		}
	}
	e.dialogs.SetPinnedOrder(u.Folder, u.Order)
	for _, p := range u.Order {
		d, ok := e.dialogs.Get(p)
		if !ok {
			continue
		}
		d.Pinned = true
		e.dialogs.GenerateIndexFor(d)
		e.dialogs.Push(d, 0)
		e.dialogNotices[p] = true
	}
	e.scheduleFlush()
}

func (e *Engine) handleFolderPeer(u FolderPeer) {
	d, ok := e.dialogs.Get(u.Peer)
	if !ok {
		e.scheduleReload(u.Peer)
		return
	}
	e.dialogs.Drop(u.Peer)
	e.dialogs.SetPinned(d, false)
	d.Folder = u.Folder
	e.dialogs.GenerateIndexFor(d)
	e.dialogs.Push(d, 0)
	e.dialogNotices[u.Peer] = true
	e.scheduleFlush()
}

func (e *Engine) handleFilterChange(u FilterChange) {
	if u.Filter == nil {
		e.filters.Delete(u.ID)
		return
	}
	u.Filter.ID = u.ID
	e.filters.Save(u.Filter, true)
}

func (e *Engine) handleNotifySettings(u NotifySettings) {
	d, ok := e.dialogs.Get(u.Peer)
	if !ok {
		return
	}
	d.Muted = u.Muted
	e.dialogNotices[u.Peer] = true
	e.scheduleFlush()
}

func (e *Engine) clearHistory(p peer.ID) {
	e.store.ForgetPeer(p)
	e.dialogs.Drop(p)
	e.publish(bus.DialogDrop, DialogsPayload{Peers: []peer.ID{p}})
}

// afterSendFinalized keeps the dialog summary in step with an acknowledged
// send; the coordinator already reconciled the message side.
func (e *Engine) afterSendFinalized(_, final *message.Message) {
	e.bumpDialogTop(final)
}

func (e *Engine) bumpDialogTop(m *message.Message) {
	if m == nil {
		return
	}
	d, ok := e.dialogs.Get(m.Peer)
	if !ok {
		e.scheduleReload(m.Peer)
		return
	}
	d.TopMessage = m.Key
	e.dialogs.GenerateIndexFor(d)
	e.dialogs.Push(d, 0)
	e.publish(bus.DialogTop, DialogsPayload{Peers: []peer.ID{m.Peer}})
	e.dialogNotices[m.Peer] = true
	e.scheduleFlush()
}

// deferUpdate parks an update for a dialog the replica does not know yet and
// schedules a reload; the queue replays in order once the dialog arrives.
func (e *Engine) deferUpdate(p peer.ID, u Update) {
	e.deferred[p] = append(e.deferred[p], u)
	e.scheduleReload(p)
}

func (e *Engine) migrateChecks(from, to peer.ID) {
	// Redelivered migrate actions must not republish or re-queue the drop.
	if _, ok := e.directory.MigratedTo(from); ok {
		return
	}
	e.directory.PutMigration(from, to)
	e.publish(bus.DialogMigrate, MigratePayload{From: from, To: to})

	if e.opts.MigrateGrace <= 0 {
		// Drop at the next flush so the update that carried the migration
		// finishes against a consistent dialog list first.
		e.pendingMigrateDrops = append(e.pendingMigrateDrops, from)
		return
	}
	time.AfterFunc(e.opts.MigrateGrace, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.dropMigrated(from)
	})
}

// dropMigrated retires the pre-migration dialog once the grace window ends.
func (e *Engine) dropMigrated(from peer.ID) {
	if _, ok := e.dialogs.Drop(from); ok {
		e.publish(bus.DialogDrop, DialogsPayload{Peers: []peer.ID{from}})
	}
}

func (e *Engine) scheduleFlush() {
	if e.opts.NotifyDebounce <= 0 {
		e.flushLocked()
		return
	}
	if e.flushTimer != nil {
		return
	}
	e.flushTimer = time.AfterFunc(e.opts.NotifyDebounce, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.flushLocked()
	})
}

// Flush publishes the batched notifications immediately.
func (e *Engine) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushLocked()
}

func (e *Engine) flushLocked() {
	if e.flushTimer != nil {
		e.flushTimer.Stop()
		e.flushTimer = nil
	}

	if len(e.newMessages) > 0 {
		e.publish(bus.HistoryMultiAppend, MultiAppendPayload{Keys: e.newMessages})
		e.newMessages = make(map[peer.ID][]peer.Key)
	}
	if len(e.dialogNotices) > 0 {
		peers := make([]peer.ID, 0, len(e.dialogNotices))
		for p := range e.dialogNotices {
			peers = append(peers, p)
		}
		e.publish(bus.DialogsMultiUpdate, DialogsPayload{Peers: peers})
		e.dialogNotices = make(map[peer.ID]bool)
	}

	for _, p := range e.pendingMigrateDrops {
		e.dropMigrated(p)
	}
	e.pendingMigrateDrops = nil

	if e.maxSeen > e.reportedMaxSeen {
		maxSeen := e.maxSeen
		e.reportedMaxSeen = maxSeen
		go e.reportReceived(maxSeen)
	}
}

// reportReceived tells the service the highest plain-dialog message id seen,
// so it can stop resending push duplicates.
func (e *Engine) reportReceived(maxSeen peer.Key) {
	_, err := e.invoker.Invoke(context.Background(), "messages.receivedMessages",
		map[string]any{"max_id": maxSeen.Local()})
	if err != nil {
		e.logger.Warn("received-messages report failed", zap.Error(err))
	}
}

// MaxSeen returns the highest acknowledged plain-dialog key, for snapshots.
func (e *Engine) MaxSeen() peer.Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxSeen
}

// SetMaxSeen primes the watermark from a restored snapshot.
func (e *Engine) SetMaxSeen(k peer.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxSeen = k
	e.reportedMaxSeen = k
}

func (e *Engine) publish(kind string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
