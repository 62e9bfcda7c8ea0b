package dialog

import (
	"testing"

	"tgsync/internal/filter"
	"tgsync/internal/peer"
)

type fixedDates map[peer.Key]int64

func (f fixedDates) MessageDate(k peer.Key) int64 { return f[k] }

func testStorage() (*Storage, *peer.Directory) {
	d := peer.NewDirectory()
	reg := filter.NewRegistry(nil)
	s := NewStorage(d, reg, nil)
	s.now = func() int64 { return 1_700_000_000 }
	return s, d
}

func TestGenerateIndexStrictlyIncreasesPerDate(t *testing.T) {
	s, _ := testStorage()
	a := s.GenerateIndex(1000)
	b := s.GenerateIndex(1000)
	if b <= a {
		t.Errorf("indexes for equal dates must still order: %d then %d", a, b)
	}
	if a>>16 != 1000 {
		t.Errorf("high bits = %d, want the date", a>>16)
	}
}

func TestPushKeepsDescendingOrder(t *testing.T) {
	s, _ := testStorage()
	s.SetTopDates(fixedDates{1: 100, 2: 200})

	a := &Dialog{Peer: 10, TopMessage: 1}
	b := &Dialog{Peer: 20, TopMessage: 2}
	s.GenerateIndexFor(a)
	s.GenerateIndexFor(b)
	s.Push(a, 0)
	s.Push(b, 0)

	folder := s.Folder(FolderPrimary)
	if len(folder) != 2 || folder[0].Peer != 20 || folder[1].Peer != 10 {
		t.Fatalf("folder order = %v, want newer dialog first", peers(folder))
	}

	// A newer top message moves the dialog to the head.
	s.SetTopDates(fixedDates{1: 300, 2: 200})
	s.GenerateIndexFor(a)
	s.Push(a, 0)
	folder = s.Folder(FolderPrimary)
	if folder[0].Peer != 10 {
		t.Errorf("folder order = %v, want relocated dialog first", peers(folder))
	}
	if len(folder) != 2 {
		t.Errorf("dialog duplicated on relocation: %v", peers(folder))
	}
}

func TestPushPaginationNoOpSignal(t *testing.T) {
	s, _ := testStorage()
	s.SetTopDates(fixedDates{1: 500})

	d := &Dialog{Peer: 10, TopMessage: 1}
	s.GenerateIndexFor(d)
	if !s.Push(d, 500) {
		t.Fatal("first paginated insert should succeed")
	}
	if s.OffsetDate(FolderPrimary) != 500 {
		t.Errorf("offset date = %d, want 500", s.OffsetDate(FolderPrimary))
	}

	// Re-pushing the same dialog with an older offset would only move it to
	// the tail; the caller must get a refusal instead.
	if s.Push(d, 400) {
		t.Error("tail relocation during pagination should be refused")
	}
	if s.OffsetDate(FolderPrimary) != 500 {
		t.Error("refused push must not advance the offset date")
	}
	if len(s.Folder(FolderPrimary)) != 1 {
		t.Error("refused push must not disturb the folder")
	}
}

func TestPinnedOrdering(t *testing.T) {
	s, _ := testStorage()
	s.SetTopDates(fixedDates{1: 100, 2: 200, 3: 300})

	dialogs := []*Dialog{
		{Peer: 10, TopMessage: 1},
		{Peer: 20, TopMessage: 2},
		{Peer: 30, TopMessage: 3},
	}
	for _, d := range dialogs {
		s.GenerateIndexFor(d)
		s.Push(d, 0)
	}

	// Pin the oldest dialog; it must move above every unpinned one.
	s.SetPinned(dialogs[0], true)
	s.GenerateIndexFor(dialogs[0])
	s.Push(dialogs[0], 0)

	folder := s.Folder(FolderPrimary)
	if folder[0].Peer != 10 {
		t.Fatalf("folder = %v, want pinned dialog first", peers(folder))
	}

	// Unpinning drops it back to its natural slot.
	s.SetPinned(dialogs[0], false)
	s.GenerateIndexFor(dialogs[0])
	s.Push(dialogs[0], 0)
	folder = s.Folder(FolderPrimary)
	if folder[len(folder)-1].Peer != 10 {
		t.Errorf("folder = %v, want unpinned dialog last", peers(folder))
	}
}

func TestDropRemovesEverywhere(t *testing.T) {
	s, _ := testStorage()
	d := &Dialog{Peer: 10, Index: 5}
	s.Push(d, 0)

	got, ok := s.Drop(10)
	if !ok || got != d {
		t.Fatal("Drop should return the removed dialog")
	}
	if _, ok := s.Get(10); ok {
		t.Error("dialog still resolvable after drop")
	}
	if len(s.Folder(FolderPrimary)) != 0 {
		t.Error("dialog still listed after drop")
	}
	if _, ok := s.Drop(10); ok {
		t.Error("double drop should report absence")
	}
}

func TestWatermarks(t *testing.T) {
	s, _ := testStorage()
	s.Push(&Dialog{Peer: 10, ReadInboxMax: 7, ReadOutboxMax: 9}, 0)

	in, out, ok := s.Watermarks(10)
	if !ok || in != 7 || out != 9 {
		t.Errorf("Watermarks = %d, %d, %v", in, out, ok)
	}
	if _, _, ok := s.Watermarks(99); ok {
		t.Error("unknown peer should report no watermarks")
	}
}

func TestFilterFolderView(t *testing.T) {
	s, d := testStorage()
	d.Put(-100, peer.Info{IsMegagroup: true, IsChannel: true})
	d.Put(10, peer.Info{IsContact: true})
	d.Put(30, peer.Info{IsContact: true})

	f := s.filters.Create(&filter.Filter{
		Title:       "Unread",
		ExcludeRead: true,
		Contacts:    true,
		Groups:      true,
	})
	s.Push(&Dialog{Peer: 10, UnreadCount: 3, Index: 100}, 0)
	s.Push(&Dialog{Peer: -100, UnreadCount: 0, Index: 200}, 0)
	s.Push(&Dialog{Peer: 30, UnreadCount: 1, Index: 300}, 0)

	view := s.Folder(f.ID)
	if len(view) != 2 {
		t.Fatalf("view = %v, want the two unread dialogs", peers(view))
	}
	if view[0].Peer != 30 || view[1].Peer != 10 {
		t.Errorf("view order = %v, want descending index", peers(view))
	}
}

func TestFilterFolderPinnedOverride(t *testing.T) {
	s, _ := testStorage()
	f := s.filters.Create(&filter.Filter{
		Title:        "Work",
		PinnedPeers:  []peer.ID{10},
		IncludePeers: []peer.ID{10, 20},
	})
	s.Push(&Dialog{Peer: 10, Index: 100}, 0)
	s.Push(&Dialog{Peer: 20, Index: 200}, 0)

	view := s.Folder(f.ID)
	if len(view) != 2 || view[0].Peer != 10 {
		t.Errorf("view = %v, want filter-pinned dialog first", peers(view))
	}
}

func TestListPagination(t *testing.T) {
	s, _ := testStorage()
	for i := int64(1); i <= 5; i++ {
		s.Push(&Dialog{Peer: peer.ID(i), Index: i * 100}, 0)
	}

	page := s.List(FolderPrimary, 0, 2)
	if len(page) != 2 || page[0].Index != 500 {
		t.Fatalf("first page = %v", peers(page))
	}

	next := s.List(FolderPrimary, page[len(page)-1].Index, 2)
	if len(next) != 2 || next[0].Index != 300 {
		t.Errorf("second page = %v", peers(next))
	}

	tail := s.List(FolderPrimary, 200, 10)
	if len(tail) != 1 || tail[0].Index != 100 {
		t.Errorf("tail page = %v", peers(tail))
	}
}

func peers(ds []*Dialog) []peer.ID {
	out := make([]peer.ID, len(ds))
	for i, d := range ds {
		out[i] = d.Peer
	}
	return out
}
