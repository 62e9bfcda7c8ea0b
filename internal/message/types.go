package message

import "tgsync/internal/peer"

// Action types carried by service messages. Only the kinds the core reacts
// to are named; anything else passes through untouched.
const (
	ActionMigrateTo    = "migrateTo"    // chat upgraded, points at the channel
	ActionMigrateFrom  = "migrateFrom"  // first channel message, points back at the chat
	ActionHistoryClear = "historyClear"
	ActionChatLeave    = "chatLeave"
)

// Action is a structural service event embedded in a message.
type Action struct {
	Type    string
	Chat    peer.ID // migrate-from source
	Channel peer.ID // migrate-to target
	UserID  peer.ID
}

// Media is an opaque attachment reference. Resolution (download, thumbs,
// transcoding) belongs to the external media managers.
type Media struct {
	Kind string
	Ref  string
	TTL  int
}

// ReplyMarkup is a reply-keyboard attachment carried by a message.
type ReplyMarkup struct {
	Key       peer.Key
	From      peer.ID
	Inline    bool
	Selective bool
	SingleUse bool
	Hidden    bool
	Hide      bool
	Buttons   [][]string
}

// Raw is a transport-decoded message payload as delivered by the service or
// by a snapshot replay. ID is the service-local message number.
type Raw struct {
	ID        int64
	Peer      peer.ID
	From      peer.ID
	Date      int64
	Text      string
	Media     *Media
	ReplyToID int64
	GroupedID int64
	Out       bool
	Unread    bool
	Mentioned bool
	Silent    bool
	Action    *Action
	Markup    *ReplyMarkup
}

// Message is one conversation message or service event owned by the Store.
// Deleted records are tombstone stubs: identity-bearing fields survive so
// queued notifications referencing the key stay resolvable.
type Message struct {
	Key       peer.Key
	Peer      peer.ID
	From      peer.ID
	Date      int64
	Text      string
	Media     *Media
	ReplyTo   peer.Key
	GroupedID int64
	Action    *Action
	Markup    *ReplyMarkup

	Out       bool
	Unread    bool
	Mentioned bool
	Pending   bool
	Deleted   bool
	Err       bool

	// RandomID is the send correlation id while the message is pending.
	RandomID string
	// ClearHistory marks a history-clear service action.
	ClearHistory bool
}

// Tombstone downgrades the message in place, keeping only identity fields.
func (m *Message) Tombstone() {
	m.Text = ""
	m.Media = nil
	m.ReplyTo = 0
	m.GroupedID = 0
	m.Action = nil
	m.Markup = nil
	m.Unread = false
	m.Pending = false
	m.Deleted = true
	m.RandomID = ""
}

// DeleteSummary describes the effect of a delete batch on one peer.
type DeleteSummary struct {
	Count  int
	Unread int
	Keys   map[peer.Key]bool
}
