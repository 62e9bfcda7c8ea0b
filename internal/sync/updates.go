package sync

import (
	"tgsync/internal/filter"
	"tgsync/internal/message"
	"tgsync/internal/peer"
)

// Update is one incremental change pushed by the service. Each variant maps
// to one reconciliation rule in the engine.
type Update interface{ update() }

// NewMessage carries a freshly delivered message.
type NewMessage struct {
	Raw message.Raw
}

// EditMessage carries a server-side edit of an existing message.
type EditMessage struct {
	Raw message.Raw
}

// MessageID maps a send correlation id to its acknowledged message id. It
// may arrive before the message body itself.
type MessageID struct {
	RandomID string
	ID       int64
	Peer     peer.ID
}

// ReadInbox advances the inbound read watermark of a dialog. StillUnread is
// the server-reported remaining unread count, or -1 when the server did not
// supply one and the reconciler has to derive it.
type ReadInbox struct {
	Peer        peer.ID
	MaxID       int64
	StillUnread int
}

// ReadOutbox advances the outbound read watermark of a dialog.
type ReadOutbox struct {
	Peer  peer.ID
	MaxID int64
}

// DeleteMessages removes messages. Channel scopes the ids when non-zero.
type DeleteMessages struct {
	IDs     []int64
	Channel peer.ID
}

// DialogPinned toggles a single dialog's pinned state.
type DialogPinned struct {
	Peer   peer.ID
	Pinned bool
}

// PinnedOrder replaces a folder's pinned order wholesale.
type PinnedOrder struct {
	Folder int32
	Order  []peer.ID
}

// FolderPeer moves a dialog between the real folders.
type FolderPeer struct {
	Peer   peer.ID
	Folder int32
}

// FilterChange creates or replaces a dialog filter; a nil Filter removes it.
type FilterChange struct {
	ID     int32
	Filter *filter.Filter
}

// NotifySettings toggles a dialog's mute state.
type NotifySettings struct {
	Peer  peer.ID
	Muted bool
}

func (NewMessage) update()     {}
func (EditMessage) update()    {}
func (MessageID) update()      {}
func (ReadInbox) update()      {}
func (ReadOutbox) update()     {}
func (DeleteMessages) update() {}
func (DialogPinned) update()   {}
func (PinnedOrder) update()    {}
func (FolderPeer) update()     {}
func (FilterChange) update()   {}
func (NotifySettings) update() {}

// Wire result shapes returned by the transport for the calls the engine
// makes. The transport decodes into these before handing them over.

// RawDialog is the service's dialog summary.
type RawDialog struct {
	Peer          peer.ID
	Folder        int32
	TopID         int64
	ReadInboxMax  int64
	ReadOutboxMax int64
	UnreadCount   int
	UnreadMark    bool
	Pinned        bool
	Muted         bool
}

// DialogsResult is the response to a dialog list or peer-dialog fetch.
type DialogsResult struct {
	Count    int
	Dialogs  []RawDialog
	Messages []message.Raw
}

// HistoryResult is the response to a history page fetch.
type HistoryResult struct {
	Count    int
	Messages []message.Raw
}

// UpdatesResult wraps updates returned inline by a mutating call, such as a
// send acknowledgment.
type UpdatesResult struct {
	Updates []Update
	Seq     int32
}

// AffectedHistory reports the server-side progress of a bulk history
// operation; a non-zero Offset means more rounds are needed.
type AffectedHistory struct {
	Offset int32
}
