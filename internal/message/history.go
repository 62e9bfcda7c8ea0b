package message

import (
	"slices"

	"tgsync/internal/peer"
)

// History is the per-peer ordered view of a conversation: confirmed keys
// descending (newest first), pending placeholder keys, and the known remote
// total when the service has reported one. Confirmed and pending are always
// disjoint.
type History struct {
	Confirmed []peer.Key
	Pending   []peer.Key

	count int64
	known bool

	Markup    *ReplyMarkup
	maxOutKey peer.Key
}

// Count returns the remote total and whether it is known yet.
func (h *History) Count() (int64, bool) {
	return h.count, h.known
}

// SetCount records the remote total.
func (h *History) SetCount(n int64) {
	if n < 0 {
		n = 0
	}
	h.count = n
	h.known = true
}

// AddCount adjusts a known total; unknown totals stay unknown.
func (h *History) AddCount(delta int64) {
	if !h.known {
		return
	}
	h.count += delta
	if h.count < 0 {
		h.count = 0
	}
}

// Complete reports whether the local confirmed sequence covers the whole
// remote history.
func (h *History) Complete() bool {
	return h.known && int64(len(h.Confirmed)) == h.count
}

// InsertConfirmed places a confirmed key keeping descending order. Returns
// false when the key is already present.
func (h *History) InsertConfirmed(k peer.Key) bool {
	if slices.Contains(h.Confirmed, k) {
		return false
	}
	h.Confirmed = append(h.Confirmed, 0)
	i := len(h.Confirmed) - 1
	for i > 0 && h.Confirmed[i-1] < k {
		h.Confirmed[i] = h.Confirmed[i-1]
		i--
	}
	h.Confirmed[i] = k
	return true
}

// PushPending prepends a placeholder key. Returns false on duplicates.
func (h *History) PushPending(k peer.Key) bool {
	if slices.Contains(h.Pending, k) {
		return false
	}
	h.Pending = append([]peer.Key{k}, h.Pending...)
	return true
}

// Remove drops the key from whichever sequence holds it.
func (h *History) Remove(k peer.Key) bool {
	if i := slices.Index(h.Confirmed, k); i != -1 {
		h.Confirmed = slices.Delete(h.Confirmed, i, i+1)
		return true
	}
	if i := slices.Index(h.Pending, k); i != -1 {
		h.Pending = slices.Delete(h.Pending, i, i+1)
		return true
	}
	return false
}

// OffsetOf returns the position of the first key strictly below before, and
// whether such a position exists inside the sequence.
func (h *History) OffsetOf(before peer.Key) (int, bool) {
	for i, k := range h.Confirmed {
		if before > k {
			return i, true
		}
	}
	return len(h.Confirmed), false
}

// SpliceBefore drops every confirmed key from offset on, so a fresh remote
// page can be appended without duplicates or order violations.
func (h *History) SpliceBefore(offset int) {
	if offset < 0 {
		offset = 0
	}
	if offset < len(h.Confirmed) {
		h.Confirmed = h.Confirmed[:offset]
	}
}

// Slice copies out a window of the confirmed sequence.
func (h *History) Slice(offset, limit int) []peer.Key {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(h.Confirmed) {
		return nil
	}
	end := offset + limit
	if end > len(h.Confirmed) {
		end = len(h.Confirmed)
	}
	return slices.Clone(h.Confirmed[offset:end])
}

// Top returns the newest confirmed key, or 0.
func (h *History) Top() peer.Key {
	if len(h.Confirmed) == 0 {
		return 0
	}
	return h.Confirmed[0]
}

// MergeReplyKeyboard folds a message's keyboard state into the history,
// mirroring the service's keyboard visibility rules. Returns true when the
// stored markup changed.
func (h *History) MergeReplyKeyboard(m *Message) bool {
	if m.Markup == nil && !m.Out && m.Action == nil {
		return false
	}
	if m.Markup != nil && m.Markup.Inline {
		return false
	}

	if m.Markup != nil {
		if h.Markup != nil && h.Markup.Key >= m.Key {
			return false
		}
		if m.Markup.Selective && !m.Mentions() {
			return false
		}
		mk := *m.Markup
		mk.Key = m.Key
		mk.From = m.From
		if h.maxOutKey != 0 && m.Key < h.maxOutKey && mk.SingleUse {
			mk.Hidden = true
		}
		h.Markup = &mk
		return true
	}

	if m.Out {
		if h.Markup != nil {
			if h.Markup.SingleUse && !h.Markup.Hidden &&
				(m.Key > h.Markup.Key || m.Key < 0) && m.Text != "" {
				h.Markup.Hidden = true
				return true
			}
		} else if h.maxOutKey == 0 || m.Key > h.maxOutKey {
			h.maxOutKey = m.Key
		}
	}

	if m.Action != nil && m.Action.Type == ActionChatLeave &&
		h.Markup != nil && m.Action.UserID == h.Markup.From {
		h.Markup = &ReplyMarkup{Key: m.Key, Hide: true}
		return true
	}

	return false
}

// Mentions reports whether the message addresses the current user directly.
func (m *Message) Mentions() bool { return m.Mentioned }
