package bus

import "time"

// Event represents a core event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds emitted by the sync core. UI consumers subscribe by prefix,
// e.g. "history." or "dialog.".
const (
	HistoryAppend      = "history.append"
	HistoryMultiAppend = "history.multiappend"
	HistoryDelete      = "history.delete"
	HistoryReplyMarkup = "history.reply_markup"
	HistoryRequest     = "history.request"

	DialogsMultiUpdate = "dialog.multiupdate"
	DialogUnread       = "dialog.unread"
	DialogDrop         = "dialog.drop"
	DialogMigrate      = "dialog.migrate"
	DialogTop          = "dialog.top"

	MessageEdit       = "message.edit"
	MessagesPending   = "message.pending"
	MessageSent       = "message.sent"
	MessageSendFailed = "message.send_failed"
	MessagesRead      = "message.read"

	FilterUpdate = "filter.update"
	FilterDelete = "filter.delete"

	StatusChanged = "sync.status_changed"
)
