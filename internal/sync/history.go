package sync

import (
	"context"
	"fmt"

	"tgsync/internal/bus"
	"tgsync/internal/message"
	"tgsync/internal/peer"
	"tgsync/internal/remote"
)

// albumTailFetch is the extra page size used when a fetched page ends inside
// a media album, so the album is never split across page boundaries.
const albumTailFetch = 10

// HistoryPage is one window of a conversation, newest first.
type HistoryPage struct {
	Keys   []peer.Key
	Count  int64
	Offset int
	// Complete marks that the window reaches the very first message.
	Complete bool
}

// GetHistory returns confirmed keys around offsetKey: up to limit keys
// strictly older than it (0 means the newest tail) and, when backLimit is
// positive, up to backLimit newer ones so a jump-to-message view has context
// on both sides. The local sequence serves the page when it can; otherwise a
// fetch fills the gap first.
func (e *Engine) GetHistory(ctx context.Context, p peer.ID, offsetKey peer.Key, limit, backLimit int) (*HistoryPage, error) {
	if limit <= 0 {
		limit = e.opts.HistoryPageSize
	}
	if offsetKey == 0 {
		backLimit = 0
	}

	// Requests for a migrated conversation land on its successor.
	if to, ok := e.directory.MigratedTo(p); ok {
		p = to
	}

	e.mu.Lock()
	h := e.store.History(p)
	if page, ok := e.localPage(h, offsetKey, limit, backLimit); ok {
		page = e.continueMigrated(p, page, limit)
		e.mu.Unlock()
		return page, nil
	}
	e.mu.Unlock()

	if err := e.fillHistory(ctx, p, offsetKey, limit, backLimit); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	page, _ := e.localPage(h, offsetKey, limit, backLimit)
	page = e.continueMigrated(p, page, limit)
	return page, nil
}

// localPage slices the confirmed sequence, reporting whether the slice fully
// satisfies the request without fetching.
func (e *Engine) localPage(h *message.History, offsetKey peer.Key, limit, backLimit int) (*HistoryPage, bool) {
	offset := 0
	if offsetKey != 0 {
		off, ok := h.OffsetOf(offsetKey)
		if !ok && !h.Complete() {
			return nil, false
		}
		offset = off
	}

	start := offset - backLimit
	if start < 0 {
		start = 0
	}
	want := limit + (offset - start)

	keys := h.Slice(start, want)
	count, _ := h.Count()
	page := &HistoryPage{
		Keys:     keys,
		Count:    count,
		Offset:   start,
		Complete: h.Complete(),
	}
	return page, len(keys) == want || h.Complete()
}

// fillHistory fetches one page from the service and folds it into the
// confirmed sequence. A fresh tail that disagrees with the local top means
// the local tail is stale and is rebuilt from the fetched page.
func (e *Engine) fillHistory(ctx context.Context, p peer.ID, offsetKey peer.Key, limit, backLimit int) error {
	e.publish(bus.HistoryRequest, DialogsPayload{Peers: []peer.ID{p}})
	hr, err := e.fetchHistory(ctx, p, offsetKey, limit+backLimit, -backLimit)
	if err != nil {
		if remote.Handled(err) {
			return nil
		}
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	saved := e.store.Save(hr.Messages, message.SaveOptions{})
	h := e.store.History(p)

	if offsetKey == 0 && len(saved) > 0 && saved[0] != nil &&
		h.Top() != 0 && h.Top() != saved[0].Key {
		// Stale tail: messages were deleted or reordered while detached.
		h.SpliceBefore(0)
	}

	var last *message.Message
	for _, m := range saved {
		if m == nil {
			continue
		}
		h.InsertConfirmed(m.Key)
		h.MergeReplyKeyboard(m)
		last = m
	}
	h.SetCount(int64(hr.Count))

	if last != nil && last.GroupedID != 0 && !h.Complete() {
		e.completeAlbum(ctx, p, h, last)
	}
	return nil
}

// completeAlbum fetches a short continuation so the album the page ended on
// is fully present.
func (e *Engine) completeAlbum(ctx context.Context, p peer.ID, h *message.History, last *message.Message) {
	e.mu.Unlock()
	hr, err := e.fetchHistory(ctx, p, last.Key, albumTailFetch, 0)
	e.mu.Lock()
	if err != nil {
		e.logger.Warn("album continuation fetch failed")
		return
	}
	for _, m := range e.store.Save(hr.Messages, message.SaveOptions{}) {
		if m != nil {
			h.InsertConfirmed(m.Key)
		}
	}
	// Whatever the store already held of the album belongs in the page too.
	for _, m := range e.store.Group(last.GroupedID) {
		h.InsertConfirmed(m.Key)
	}
}

func (e *Engine) fetchHistory(ctx context.Context, p peer.ID, offsetKey peer.Key, limit, addOffset int) (HistoryResult, error) {
	params := map[string]any{
		"peer":      int64(p),
		"offset_id": offsetKey.Local(),
		"limit":     limit,
	}
	if addOffset != 0 {
		params["add_offset"] = addOffset
	}
	res, err := e.invoker.Invoke(ctx, "messages.getHistory", params)
	if err != nil {
		return HistoryResult{}, fmt.Errorf("get history: %w", err)
	}
	hr, ok := res.(HistoryResult)
	if !ok {
		return HistoryResult{}, fmt.Errorf("unexpected history response %T", res)
	}
	return hr, nil
}

// continueMigrated extends a complete page into the predecessor conversation
// of a migrated channel. The reported count gains one for the boundary
// service message.
func (e *Engine) continueMigrated(p peer.ID, page *HistoryPage, limit int) *HistoryPage {
	if page == nil || !page.Complete || len(page.Keys) >= limit {
		return page
	}
	old, ok := e.directory.MigratedFrom(p)
	if !ok {
		return page
	}
	oldHistory, ok := e.store.HistoryIfExists(old)
	if !ok {
		return page
	}

	remaining := limit - len(page.Keys)
	page.Keys = append(page.Keys, oldHistory.Slice(0, remaining)...)
	if oldCount, known := oldHistory.Count(); known {
		page.Count += oldCount + 1
	}
	page.Complete = oldHistory.Complete()
	return page
}
