// Package filter implements user-defined virtual folders: stateless
// predicates evaluated against dialog summaries on demand.
package filter

import (
	"slices"
	"time"

	"tgsync/internal/bus"
	"tgsync/internal/peer"
)

// Filter is a virtual folder definition. Evaluation holds no state; a filter
// never owns dialogs.
type Filter struct {
	ID    int32
	Title string

	PinnedPeers  []peer.ID
	IncludePeers []peer.ID
	ExcludePeers []peer.ID

	ExcludeArchived bool
	ExcludeRead     bool
	ExcludeMuted    bool
	Contacts        bool
	NonContacts     bool
	Groups          bool
	Broadcasts      bool
	Bots            bool

	// OrderIndex fixes the filter's position in the folder tab strip.
	OrderIndex int
}

// DialogView is the slice of dialog state the evaluator needs. The dialog
// store builds one per candidate so this package does not depend on it.
type DialogView struct {
	Peer        peer.ID
	Folder      int32
	UnreadCount int
	Muted       bool
}

// Matches tests a dialog against a filter. First match wins: excluded peers,
// then included peers, then the exclusion flags, then category flags.
func Matches(d DialogView, f *Filter, r peer.Resolver) bool {
	if slices.Contains(f.ExcludePeers, d.Peer) {
		return false
	}
	if slices.Contains(f.IncludePeers, d.Peer) {
		return true
	}

	if f.ExcludeArchived && d.Folder == 1 {
		return false
	}
	if f.ExcludeRead && d.UnreadCount == 0 {
		return false
	}
	if f.ExcludeMuted && d.Muted {
		return false
	}

	info := r.Classify(d.Peer)
	if d.Peer < 0 {
		if f.Broadcasts && info.IsBroadcast {
			return true
		}
		if f.Groups && (!info.IsChannel || info.IsMegagroup) {
			return true
		}
	} else {
		if info.IsBot {
			return f.Bots
		}
		if f.NonContacts && !info.IsContact {
			return true
		}
		if f.Contacts && info.IsContact {
			return true
		}
	}

	return false
}

// Registry holds the known filters and assigns order indices.
type Registry struct {
	filters    map[int32]*Filter
	orderIndex int
	bus        *bus.Bus
}

// NewRegistry creates an empty filter registry.
func NewRegistry(b *bus.Bus) *Registry {
	return &Registry{
		filters: make(map[int32]*Filter),
		bus:     b,
	}
}

// Get returns the filter with the given id, if known.
func (r *Registry) Get(id int32) (*Filter, bool) {
	f, ok := r.filters[id]
	return f, ok
}

// All returns the known filters sorted by order index.
func (r *Registry) All() []*Filter {
	out := make([]*Filter, 0, len(r.filters))
	for _, f := range r.filters {
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b *Filter) int { return a.OrderIndex - b.OrderIndex })
	return out
}

// Save stores or replaces a filter. Pinned peers are folded to the front of
// the include list so inclusion checks cover them.
func (r *Registry) Save(f *Filter, notify bool) {
	include := make([]peer.ID, 0, len(f.PinnedPeers)+len(f.IncludePeers))
	include = append(include, f.PinnedPeers...)
	for _, id := range f.IncludePeers {
		if !slices.Contains(f.PinnedPeers, id) {
			include = append(include, id)
		}
	}
	f.IncludePeers = include

	if existing, ok := r.filters[f.ID]; ok {
		*existing = *f
		f = existing
	} else {
		r.filters[f.ID] = f
	}

	r.setOrderIndex(f)

	if notify && r.bus != nil {
		r.bus.Publish(bus.Event{Kind: bus.FilterUpdate, Timestamp: time.Now(), Payload: f})
	}
}

// Create assigns the next free id (reserved folders 0 and 1 never collide)
// and stores the filter.
func (r *Registry) Create(f *Filter) *Filter {
	maxID := int32(1)
	for id := range r.filters {
		if id > maxID {
			maxID = id
		}
	}
	f.ID = maxID + 1
	r.Save(f, true)
	return f
}

// Delete removes a filter and notifies consumers.
func (r *Registry) Delete(id int32) {
	f, ok := r.filters[id]
	if !ok {
		return
	}
	delete(r.filters, id)
	if r.bus != nil {
		r.bus.Publish(bus.Event{Kind: bus.FilterDelete, Timestamp: time.Now(), Payload: f})
	}
}

func (r *Registry) setOrderIndex(f *Filter) {
	if f.OrderIndex != 0 {
		if f.OrderIndex > r.orderIndex {
			r.orderIndex = f.OrderIndex
		}
		return
	}
	r.orderIndex++
	f.OrderIndex = r.orderIndex
}
