package dialog

import "tgsync/internal/peer"

// Folder ids 0 (primary) and 1 (archive) are the only folders that own
// dialogs; higher ids are filter views computed on demand.
const (
	FolderPrimary = 0
	FolderArchive = 1
)

// Dialog is the summary record for one conversation. The ordering index
// tracks the latest relevant message's timestamp except while pinned, when
// it holds a reserved high-range slot.
type Dialog struct {
	Peer          peer.ID
	Folder        int32
	TopMessage    peer.Key
	ReadInboxMax  peer.Key
	ReadOutboxMax peer.Key
	UnreadCount   int
	UnreadMark    bool
	Pinned        bool
	Muted         bool
	Index         int64
}
