package gateway

import (
	"encoding/json"

	"tgsync/internal/filter"
	"tgsync/internal/peer"
	"tgsync/internal/sync"
)

// Wire frames exchanged with the bridge process. Requests flow out with a
// correlation id; frames flowing in either answer a request (ID set) or push
// an update batch (Updates set).
type wireRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type wireResponse struct {
	ID      string          `json:"id,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Updates []wireUpdate    `json:"updates,omitempty"`
}

type wireError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type wireUpdate struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// decodeResult maps a raw result to the typed shape the engine expects for
// the method. Unknown methods pass the raw bytes through.
func decodeResult(method string, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	switch method {
	case "messages.getDialogs", "messages.getPeerDialogs":
		var r sync.DialogsResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r, nil
	case "messages.getHistory":
		var r sync.HistoryResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r, nil
	case "messages.deleteHistory":
		var r sync.AffectedHistory
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r, nil
	case "messages.getDialogFilters":
		var r []*filter.Filter
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r, nil
	case "messages.sendMessage", "messages.sendMedia":
		var r struct {
			Updates []wireUpdate `json:"updates"`
		}
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return decodeUpdates(r.Updates), nil
	default:
		return raw, nil
	}
}

// decodeUpdates builds the typed batch, skipping variants this version does
// not know so a newer bridge never wedges the stream.
func decodeUpdates(ws []wireUpdate) sync.UpdatesResult {
	out := sync.UpdatesResult{}
	for _, w := range ws {
		u, err := decodeUpdate(w)
		if err != nil || u == nil {
			continue
		}
		out.Updates = append(out.Updates, u)
	}
	return out
}

func decodeUpdate(w wireUpdate) (sync.Update, error) {
	switch w.Type {
	case "new_message":
		var u sync.NewMessage
		return u, json.Unmarshal(w.Data, &u)
	case "edit_message":
		var u sync.EditMessage
		return u, json.Unmarshal(w.Data, &u)
	case "message_id":
		var u sync.MessageID
		return u, json.Unmarshal(w.Data, &u)
	case "read_inbox":
		// StillUnread distinguishes "server says zero" from "server did not
		// say"; an absent field must decode to the sentinel, not zero.
		aux := struct {
			Peer        peer.ID
			MaxID       int64
			StillUnread *int
		}{}
		if err := json.Unmarshal(w.Data, &aux); err != nil {
			return nil, err
		}
		u := sync.ReadInbox{Peer: aux.Peer, MaxID: aux.MaxID, StillUnread: -1}
		if aux.StillUnread != nil {
			u.StillUnread = *aux.StillUnread
		}
		return u, nil
	case "read_outbox":
		var u sync.ReadOutbox
		return u, json.Unmarshal(w.Data, &u)
	case "delete_messages":
		var u sync.DeleteMessages
		return u, json.Unmarshal(w.Data, &u)
	case "dialog_pinned":
		var u sync.DialogPinned
		return u, json.Unmarshal(w.Data, &u)
	case "pinned_order":
		var u sync.PinnedOrder
		return u, json.Unmarshal(w.Data, &u)
	case "folder_peer":
		var u sync.FolderPeer
		return u, json.Unmarshal(w.Data, &u)
	case "filter":
		var u sync.FilterChange
		return u, json.Unmarshal(w.Data, &u)
	case "notify_settings":
		var u sync.NotifySettings
		return u, json.Unmarshal(w.Data, &u)
	default:
		return nil, nil
	}
}
