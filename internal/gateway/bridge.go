// Package gateway exposes the daemon over websockets: an event stream for
// consumers and a transport endpoint the RPC bridge process attaches to.
package gateway

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tgsync/internal/remote"
)

// Bridge is the RPC transport. An external bridge process holding the actual
// service connection attaches over a websocket; calls are correlated by id
// and unsolicited update batches are fed to the apply hook.
type Bridge struct {
	logger *zap.Logger
	apply  func(res any)

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan wireResponse
}

// NewBridge creates a detached bridge.
func NewBridge(logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		logger:  logger,
		pending: make(map[string]chan wireResponse),
	}
}

// OnUpdates registers the sink for pushed update batches.
func (b *Bridge) OnUpdates(fn func(res any)) { b.apply = fn }

// Connected reports whether a bridge process is attached.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// Attach adopts a fresh websocket connection, replacing any previous one,
// and starts its read loop.
func (b *Bridge) Attach(conn *websocket.Conn) {
	b.mu.Lock()
	old := b.conn
	b.conn = conn
	b.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	go b.readLoop(conn)
}

func (b *Bridge) readLoop(conn *websocket.Conn) {
	for {
		var resp wireResponse
		if err := conn.ReadJSON(&resp); err != nil {
			b.detach(conn, err)
			return
		}

		if resp.ID != "" {
			b.mu.Lock()
			ch, ok := b.pending[resp.ID]
			if ok {
				delete(b.pending, resp.ID)
			}
			b.mu.Unlock()
			if ok {
				ch <- resp
			}
			continue
		}

		if len(resp.Updates) > 0 && b.apply != nil {
			b.apply(decodeUpdates(resp.Updates))
		}
	}
}

// detach clears the connection and fails every in-flight call so callers do
// not hang on a dead transport.
func (b *Bridge) detach(conn *websocket.Conn, err error) {
	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	stranded := b.pending
	b.pending = make(map[string]chan wireResponse)
	b.mu.Unlock()

	_ = conn.Close()
	b.logger.Warn("transport detached", zap.Error(err))
	for _, ch := range stranded {
		ch <- wireResponse{Error: &wireError{Type: remote.TypeTransportDown, Message: "transport detached"}}
	}
}

// Invoke implements the RPC interface: one request frame out, one response
// frame back, decoded by method.
func (b *Bridge) Invoke(ctx context.Context, method string, params any) (any, error) {
	id := uuid.NewString()
	ch := make(chan wireResponse, 1)

	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return nil, &remote.Error{Type: remote.TypeTransportDown, Message: "no bridge attached"}
	}
	b.pending[id] = ch
	err := conn.WriteJSON(wireRequest{ID: id, Method: method, Params: params})
	b.mu.Unlock()
	if err != nil {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, &remote.Error{Type: resp.Error.Type, Message: resp.Error.Message}
		}
		return decodeResult(method, resp.Result)
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return nil, ctx.Err()
	}
}
