// Package dialog implements the per-folder ordered dialog lists and the
// composite ordering index that keeps them sorted.
package dialog

import (
	"slices"
	"time"

	"go.uber.org/zap"

	"tgsync/internal/filter"
	"tgsync/internal/peer"
)

// pinnedBase is the reserved timestamp range for pinned dialogs. The low 16
// bits carry the pinned position, which bounds a folder to 65536 pinned
// entries; behavior past that bound is unspecified, as in the service.
const pinnedBase = 0x7fff0000

// TopDates resolves a message key to its timestamp so index generation can
// follow the top message. The message store implements it.
type TopDates interface {
	MessageDate(k peer.Key) int64
}

// Storage owns every live Dialog, exactly one per peer across the real
// folders. Not safe for concurrent use; the reconciler serializes mutation.
type Storage struct {
	logger   *zap.Logger
	resolver peer.Resolver
	filters  *filter.Registry
	dates    TopDates

	dialogs      map[peer.ID]*Dialog
	byFolder     map[int32][]*Dialog
	pinnedOrders map[int32][]peer.ID
	offsetDate   map[int32]int64
	allLoaded    map[int32]bool

	seq int64
	now func() int64
}

// NewStorage creates an empty dialog storage.
func NewStorage(resolver peer.Resolver, filters *filter.Registry, logger *zap.Logger) *Storage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Storage{
		logger:   logger,
		resolver: resolver,
		filters:  filters,
		dialogs:  make(map[peer.ID]*Dialog),
		byFolder: make(map[int32][]*Dialog),
		pinnedOrders: map[int32][]peer.ID{
			FolderPrimary: {},
			FolderArchive: {},
		},
		offsetDate: make(map[int32]int64),
		allLoaded:  make(map[int32]bool),
		now:        func() int64 { return time.Now().Unix() },
	}
}

// SetTopDates wires the message-date lookup used for index regeneration.
func (s *Storage) SetTopDates(d TopDates) { s.dates = d }

// GenerateIndex composes an ordering index from a timestamp and a session
// counter, so dialogs sharing a timestamp still order strictly.
func (s *Storage) GenerateIndex(date int64) int64 {
	if date == 0 {
		date = s.now()
	}
	s.seq++
	return date*0x10000 + (s.seq & 0xffff)
}

// PinnedIndexDate returns the reserved-range timestamp for a pinned position.
func PinnedIndexDate(pos int) int64 {
	return pinnedBase + int64(pos&0xffff)
}

// pinnedDate resolves the dialog's slot in its folder's pinned order. The
// order is display order, topmost first; a fresh pin goes to the top.
func (s *Storage) pinnedDate(d *Dialog) int64 {
	order := s.pinnedOrders[d.Folder]
	pos := slices.Index(order, d.Peer)
	if pos == -1 {
		order = append([]peer.ID{d.Peer}, order...)
		s.pinnedOrders[d.Folder] = order
		pos = 0
	}
	return PinnedIndexDate(len(order) - 1 - pos)
}

// GenerateIndexFor recomputes and assigns the dialog's ordering index from
// its top message (pinned dialogs get their reserved slot).
func (s *Storage) GenerateIndexFor(d *Dialog) {
	d.Index = s.indexFor(d, true)
}

// EffectiveIndex returns the index the dialog would sort by without the
// folder-level pinned override. Filter views use it: a global pin does not
// carry into a virtual folder.
func (s *Storage) EffectiveIndex(d *Dialog) int64 {
	return s.indexFor(d, false)
}

func (s *Storage) indexFor(d *Dialog, applyPinned bool) int64 {
	var topDate int64
	if s.dates != nil && d.TopMessage != 0 {
		topDate = s.dates.MessageDate(d.TopMessage)
	}
	if topDate == 0 {
		topDate = s.now()
	}

	if applyPinned && d.Pinned {
		topDate = s.pinnedDate(d)
	}

	return s.GenerateIndex(topDate)
}

// Get returns the live dialog for a peer.
func (s *Storage) Get(p peer.ID) (*Dialog, bool) {
	d, ok := s.dialogs[p]
	return d, ok
}

// Watermarks implements the message store's watermark lookup.
func (s *Storage) Watermarks(p peer.ID) (inbox, outbox peer.Key, ok bool) {
	d, ok := s.dialogs[p]
	if !ok {
		return 0, 0, false
	}
	return d.ReadInboxMax, d.ReadOutboxMax, true
}

// Push inserts the dialog into its folder keeping descending index order,
// replacing any previous entry for the same peer. offsetDate, when set,
// tracks the pagination continuation point; Push reports false when the
// insert would only relocate an existing dialog to the tail during
// pagination, which callers must treat as a no-op signal.
func (s *Storage) Push(d *Dialog, offsetDate int64) bool {
	folder := s.byFolder[d.Folder]
	pos := slices.IndexFunc(folder, func(e *Dialog) bool { return e.Peer == d.Peer })

	if offsetDate != 0 && !d.Pinned &&
		(s.offsetDate[d.Folder] == 0 || offsetDate < s.offsetDate[d.Folder]) {
		if pos != -1 {
			// The dialog would jump to the last position; keep the list and
			// the continuation point untouched.
			return false
		}
		s.offsetDate[d.Folder] = offsetDate
	}

	if pos != -1 {
		folder = slices.Delete(folder, pos, pos+1)
	}
	s.dialogs[d.Peer] = d

	idx, _ := slices.BinarySearchFunc(folder, d, func(e, target *Dialog) int {
		// Descending order.
		switch {
		case e.Index > target.Index:
			return -1
		case e.Index < target.Index:
			return 1
		default:
			return 0
		}
	})
	s.byFolder[d.Folder] = slices.Insert(folder, idx, d)
	return true
}

// Drop removes the dialog from its folder and the lookup map, returning the
// removed entry for removal notifications.
func (s *Storage) Drop(p peer.ID) (*Dialog, bool) {
	d, ok := s.dialogs[p]
	if !ok {
		return nil, false
	}
	folder := s.byFolder[d.Folder]
	if pos := slices.IndexFunc(folder, func(e *Dialog) bool { return e.Peer == p }); pos != -1 {
		s.byFolder[d.Folder] = slices.Delete(folder, pos, pos+1)
	}
	delete(s.dialogs, p)
	return d, true
}

// SetPinned toggles the pinned flag, maintaining the folder's pinned order.
func (s *Storage) SetPinned(d *Dialog, pinned bool) {
	if !pinned {
		order := s.pinnedOrders[d.Folder]
		if pos := slices.Index(order, d.Peer); pos != -1 {
			s.pinnedOrders[d.Folder] = slices.Delete(order, pos, pos+1)
		}
	}
	d.Pinned = pinned
}

// SetPinnedOrder replaces a folder's pinned order wholesale.
func (s *Storage) SetPinnedOrder(folder int32, order []peer.ID) {
	s.pinnedOrders[folder] = slices.Clone(order)
}

// PinnedOrder returns the folder's pinned order.
func (s *Storage) PinnedOrder(folder int32) []peer.ID {
	return s.pinnedOrders[folder]
}

// Folder returns the folder's dialogs sorted descending by effective index.
// Reserved folders return the stored list; higher ids are filter views
// computed by testing every known dialog.
func (s *Storage) Folder(id int32) []*Dialog {
	if id <= FolderArchive {
		return s.byFolder[id]
	}

	f, ok := s.filters.Get(id)
	if !ok {
		return nil
	}

	type entry struct {
		dialog *Dialog
		index  int64
	}
	var entries []entry
	for _, d := range s.dialogs {
		if !filter.Matches(s.view(d), f, s.resolver) {
			continue
		}
		var index int64
		if pos := slices.Index(f.PinnedPeers, d.Peer); pos != -1 {
			index = s.GenerateIndex(PinnedIndexDate(len(f.PinnedPeers) - 1 - pos))
		} else if d.Pinned {
			index = s.EffectiveIndex(d)
		} else {
			index = d.Index
		}
		entries = append(entries, entry{d, index})
	}

	slices.SortFunc(entries, func(a, b entry) int {
		switch {
		case a.index > b.index:
			return -1
		case a.index < b.index:
			return 1
		default:
			return 0
		}
	})

	out := make([]*Dialog, len(entries))
	for i, e := range entries {
		out[i] = e.dialog
	}
	return out
}

// List pages through a folder: dialogs with index strictly below offsetIndex,
// at most limit entries.
func (s *Storage) List(folderID int32, offsetIndex int64, limit int) []*Dialog {
	folder := s.Folder(folderID)
	start := 0
	if offsetIndex > 0 {
		for start < len(folder) && folder[start].Index >= offsetIndex {
			start++
		}
	}
	if limit <= 0 || start+limit > len(folder) {
		return folder[start:]
	}
	return folder[start : start+limit]
}

// All returns every live dialog, unordered.
func (s *Storage) All() []*Dialog {
	out := make([]*Dialog, 0, len(s.dialogs))
	for _, d := range s.dialogs {
		out = append(out, d)
	}
	return out
}

// OffsetDate returns the pagination continuation point for a folder.
func (s *Storage) OffsetDate(folder int32) int64 {
	return s.offsetDate[folder]
}

// SetAllLoaded marks a folder as fully paginated.
func (s *Storage) SetAllLoaded(folder int32, loaded bool) {
	s.allLoaded[folder] = loaded
}

// AllLoaded reports whether a folder has been fully paginated.
func (s *Storage) AllLoaded(folder int32) bool {
	return s.allLoaded[folder]
}

// LoadedFolders snapshots the completeness flags.
func (s *Storage) LoadedFolders() map[int32]bool {
	out := make(map[int32]bool, len(s.allLoaded))
	for k, v := range s.allLoaded {
		out[k] = v
	}
	return out
}

func (s *Storage) view(d *Dialog) filter.DialogView {
	return filter.DialogView{
		Peer:        d.Peer,
		Folder:      d.Folder,
		UnreadCount: d.UnreadCount,
		Muted:       d.Muted,
	}
}
