package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tgsync/internal/bus"
	"tgsync/internal/dialog"
	"tgsync/internal/filter"
	"tgsync/internal/message"
	"tgsync/internal/peer"
)

// Start runs the engine's background loop: draining queued dialog reloads
// and flushing batched notifications. Stop cancels it.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	go e.loop(ctx)
}

// Stop stops the background loop.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) loop(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.ReloadPending(ctx); err != nil {
				e.logger.Error("dialog reload failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Bootstrap primes the replica: filters first, then the first page of every
// real folder.
func (e *Engine) Bootstrap(ctx context.Context) error {
	if err := e.LoadFilters(ctx); err != nil {
		return err
	}
	for _, folder := range []int32{dialog.FolderPrimary, dialog.FolderArchive} {
		if _, err := e.LoadConversations(ctx, folder, 0, e.opts.HistoryPageSize); err != nil {
			return fmt.Errorf("load folder %d: %w", folder, err)
		}
	}
	return nil
}

// LoadFilters fetches the dialog filter definitions.
func (e *Engine) LoadFilters(ctx context.Context) error {
	res, err := e.invoker.Invoke(ctx, "messages.getDialogFilters", nil)
	if err != nil {
		return fmt.Errorf("get dialog filters: %w", err)
	}
	fs, ok := res.([]*filter.Filter)
	if !ok {
		return fmt.Errorf("unexpected filters response %T", res)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, f := range fs {
		e.filters.Save(f, false)
	}
	return nil
}

// LoadConversations returns a page of a folder, fetching from the service
// when the local list cannot satisfy it. Pages are keyed by ordering index:
// entries strictly below offsetIndex.
func (e *Engine) LoadConversations(ctx context.Context, folder int32, offsetIndex int64, limit int) ([]*dialog.Dialog, error) {
	if limit <= 0 {
		limit = e.opts.HistoryPageSize
	}

	e.mu.Lock()
	local := e.dialogs.List(folder, offsetIndex, limit)
	if len(local) >= limit || e.dialogs.AllLoaded(folder) {
		e.mu.Unlock()
		return local, nil
	}
	offsetDate := e.dialogs.OffsetDate(folder)
	e.mu.Unlock()

	res, err := e.invoker.Invoke(ctx, "messages.getDialogs", map[string]any{
		"folder_id":   folder,
		"offset_date": offsetDate,
		"limit":       limit,
	})
	if err != nil {
		return nil, fmt.Errorf("get dialogs: %w", err)
	}
	dr, ok := res.(DialogsResult)
	if !ok {
		return nil, fmt.Errorf("unexpected dialogs response %T", res)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.applyConversations(dr, true)

	if len(dr.Dialogs) < limit ||
		(dr.Count > 0 && len(e.dialogs.Folder(folder)) >= dr.Count) {
		e.dialogs.SetAllLoaded(folder, true)
	}
	e.publish(bus.DialogsMultiUpdate, DialogsPayload{Peers: dialogPeers(dr.Dialogs)})

	return e.dialogs.List(folder, offsetIndex, limit), nil
}

// applyConversations folds a dialog batch into the replica. paginating marks
// batches that extend a folder tail, where the offset-date bookkeeping and
// the tail-relocation refusal apply.
func (e *Engine) applyConversations(dr DialogsResult, paginating bool) {
	e.store.Save(dr.Messages, message.SaveOptions{})

	for _, rd := range dr.Dialogs {
		e.saveConversation(rd, paginating)
	}
}

func (e *Engine) saveConversation(rd RawDialog, paginating bool) {
	channel := peer.ChannelOf(rd.Peer, e.directory)

	d, existed := e.dialogs.Get(rd.Peer)
	if !existed {
		d = &dialog.Dialog{Peer: rd.Peer}
	}
	d.Folder = rd.Folder
	d.TopMessage = peer.FullKey(rd.TopID, channel)
	d.ReadInboxMax = peer.FullKey(rd.ReadInboxMax, channel)
	d.ReadOutboxMax = peer.FullKey(rd.ReadOutboxMax, channel)
	d.UnreadCount = rd.UnreadCount
	d.UnreadMark = rd.UnreadMark
	d.Muted = rd.Muted
	if rd.Pinned != d.Pinned {
		e.dialogs.SetPinned(d, rd.Pinned)
	}

	h := e.store.History(rd.Peer)
	if e.store.Has(d.TopMessage) {
		h.InsertConfirmed(d.TopMessage)
	}

	var offsetDate int64
	if paginating && !d.Pinned {
		offsetDate = e.store.MessageDate(d.TopMessage)
	}

	e.dialogs.GenerateIndexFor(d)
	if !e.dialogs.Push(d, offsetDate) {
		e.logger.Debug("dialog kept at current position", zap.Int64("peer", int64(rd.Peer)))
	}
}

// scheduleReload queues a dialog summary refetch; the background loop drains
// the queue in one batched call.
func (e *Engine) scheduleReload(p peer.ID) {
	if e.reloading[p] {
		return
	}
	e.reloading[p] = true
	e.reloadQueue = append(e.reloadQueue, p)
}

// ReloadPending refetches every queued dialog in one call and replays the
// updates deferred while the dialogs were unknown.
func (e *Engine) ReloadPending(ctx context.Context) error {
	e.mu.Lock()
	peers := e.reloadQueue
	e.reloadQueue = nil
	e.mu.Unlock()
	if len(peers) == 0 {
		return nil
	}

	ids := make([]int64, len(peers))
	for i, p := range peers {
		ids[i] = int64(p)
	}
	res, err := e.invoker.Invoke(ctx, "messages.getPeerDialogs", map[string]any{"peers": ids})

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range peers {
		delete(e.reloading, p)
	}
	if err != nil {
		return fmt.Errorf("get peer dialogs: %w", err)
	}
	dr, ok := res.(DialogsResult)
	if !ok {
		return fmt.Errorf("unexpected dialogs response %T", res)
	}

	e.applyConversations(dr, false)
	e.publish(bus.DialogsMultiUpdate, DialogsPayload{Peers: peers})

	for _, p := range peers {
		queued := e.deferred[p]
		delete(e.deferred, p)
		for _, u := range queued {
			e.applyOne(u)
		}
	}
	return nil
}

// FlushHistory wipes a conversation on the service, looping while the server
// reports remaining batches, then forgets it locally.
func (e *Engine) FlushHistory(ctx context.Context, p peer.ID, revoke bool) error {
	for {
		res, err := e.invoker.Invoke(ctx, "messages.deleteHistory", map[string]any{
			"peer":   int64(p),
			"revoke": revoke,
		})
		if err != nil {
			return fmt.Errorf("delete history: %w", err)
		}
		ah, ok := res.(AffectedHistory)
		if !ok || ah.Offset <= 0 {
			break
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearHistory(p)
	return nil
}

func dialogPeers(ds []RawDialog) []peer.ID {
	out := make([]peer.ID, len(ds))
	for i, d := range ds {
		out[i] = d.Peer
	}
	return out
}
