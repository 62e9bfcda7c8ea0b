package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"tgsync/internal/message"
	"tgsync/internal/peer"
	"tgsync/internal/remote"
)

// Command error classifications reported back to the client.
const (
	errMethodUnknown = "METHOD_UNKNOWN"
	errParamsInvalid = "PARAMS_INVALID"
	errInternal      = "INTERNAL"
)

// cmdRequest is one client command frame on /commands.
type cmdRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// handleCommands serves the client command channel: one JSON request frame
// in, one response frame out, executed in order per connection.
func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("commands upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	for {
		var req cmdRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		resp := wireResponse{ID: req.ID}
		result, err := s.runCommand(r.Context(), req.Method, req.Params)
		switch {
		case err != nil:
			var re *remote.Error
			if errors.As(err, &re) {
				resp.Error = &wireError{Type: re.Type, Message: re.Message}
			} else {
				resp.Error = &wireError{Type: errInternal, Message: err.Error()}
			}
		case result != nil:
			raw, err := json.Marshal(result)
			if err != nil {
				resp.Error = &wireError{Type: errInternal, Message: err.Error()}
			} else {
				resp.Result = raw
			}
		}

		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

func (s *Server) runCommand(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "sendText":
		var p struct {
			Peer    peer.ID  `json:"peer"`
			Text    string   `json:"text"`
			ReplyTo peer.Key `json:"reply_to"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		m := s.engine.SendText(ctx, p.Peer, p.Text, p.ReplyTo)
		return sentResult(m)

	case "sendMedia":
		var p struct {
			Peer    peer.ID `json:"peer"`
			Kind    string  `json:"kind"`
			Ref     string  `json:"ref"`
			Caption string  `json:"caption"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		m := s.engine.SendMedia(ctx, p.Peer, message.Media{Kind: p.Kind, Ref: p.Ref}, p.Caption)
		return sentResult(m)

	case "retrySend":
		var p struct {
			Key peer.Key `json:"key"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": s.engine.RetrySend(ctx, p.Key)}, nil

	case "cancelSend":
		var p struct {
			Key peer.Key `json:"key"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": s.engine.CancelSend(p.Key)}, nil

	case "getHistory":
		var p struct {
			Peer      peer.ID  `json:"peer"`
			OffsetKey peer.Key `json:"offset_key"`
			Limit     int      `json:"limit"`
			BackLimit int      `json:"back_limit"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return s.engine.GetHistory(ctx, p.Peer, p.OffsetKey, p.Limit, p.BackLimit)

	case "listDialogs":
		var p struct {
			Folder      int32 `json:"folder"`
			OffsetIndex int64 `json:"offset_index"`
			Limit       int   `json:"limit"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return s.engine.LoadConversations(ctx, p.Folder, p.OffsetIndex, p.Limit)

	case "deleteMessages":
		var p struct {
			Keys   []peer.Key `json:"keys"`
			Revoke bool       `json:"revoke"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return nil, s.engine.DeleteMessages(ctx, p.Keys, p.Revoke)

	case "flushHistory":
		var p struct {
			Peer   peer.ID `json:"peer"`
			Revoke bool    `json:"revoke"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return nil, s.engine.FlushHistory(ctx, p.Peer, p.Revoke)

	default:
		return nil, &remote.Error{Type: errMethodUnknown, Message: method}
	}
}

func decodeParams(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return &remote.Error{Type: errParamsInvalid, Message: "missing params"}
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return &remote.Error{Type: errParamsInvalid, Message: err.Error()}
	}
	return nil
}

func sentResult(m *message.Message) (any, error) {
	if m == nil {
		return nil, &remote.Error{Type: errInternal, Message: "sending unavailable"}
	}
	return map[string]any{"key": m.Key, "random_id": m.RandomID}, nil
}
