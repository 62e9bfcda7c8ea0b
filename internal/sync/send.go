package sync

import (
	"context"
	"fmt"

	"tgsync/internal/message"
	"tgsync/internal/peer"
	"tgsync/internal/remote"
)

// The send operations front the coordinator for external callers: the
// coordinator itself is not safe for concurrent use, so every entry point
// takes the engine lock first.

// SendText queues an optimistic text send and returns the placeholder.
func (e *Engine) SendText(ctx context.Context, p peer.ID, text string, replyTo peer.Key) *message.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.outbox == nil {
		return nil
	}
	return e.outbox.SendText(ctx, p, text, replyTo)
}

// SendMedia queues an optimistic media send and returns the placeholder.
func (e *Engine) SendMedia(ctx context.Context, p peer.ID, media message.Media, caption string) *message.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.outbox == nil {
		return nil
	}
	return e.outbox.SendMedia(ctx, p, media, caption)
}

// RetrySend re-dispatches a failed placeholder.
func (e *Engine) RetrySend(ctx context.Context, key peer.Key) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outbox != nil && e.outbox.Retry(ctx, key)
}

// CancelSend withdraws an unacknowledged placeholder.
func (e *Engine) CancelSend(key peer.Key) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outbox != nil && e.outbox.Cancel(key)
}

// DeleteMessages removes messages on the service and mirrors the deletion
// locally, one call per owning channel.
func (e *Engine) DeleteMessages(ctx context.Context, keys []peer.Key, revoke bool) error {
	for channel, group := range peer.SplitByChannel(keys) {
		ids := make([]int64, len(group))
		for i, k := range group {
			ids[i] = k.Local()
		}

		method := "messages.deleteMessages"
		params := map[string]any{"id": ids, "revoke": revoke}
		if channel != 0 {
			method = "channels.deleteMessages"
			params = map[string]any{"channel": int64(channel), "id": ids}
		}
		if _, err := e.invoker.Invoke(ctx, method, params); err != nil && !remote.Handled(err) {
			return fmt.Errorf("delete messages: %w", err)
		}

		e.ApplyUpdates([]Update{DeleteMessages{IDs: ids, Channel: channel}})
	}
	return nil
}
