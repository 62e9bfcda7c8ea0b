package peer

// ID addresses a conversation target. Positive ids are users, negative ids
// are groups and channels, matching the service's peer numbering.
type ID int64

// User reports whether the id addresses a single user.
func (id ID) User() bool { return id > 0 }

// Info is the classification of a peer as reported by the resolver.
type Info struct {
	IsChannel   bool
	IsBroadcast bool
	IsMegagroup bool
	IsBot       bool
	IsContact   bool
}

// Resolver classifies peers and exposes structural migration targets. It is
// an external collaborator; the core never mutates peer metadata.
type Resolver interface {
	Classify(id ID) Info
	// MigratedTo returns the successor peer recorded in the peer's metadata
	// when the conversation was upgraded, e.g. a group converted to a channel.
	MigratedTo(id ID) (ID, bool)
}

// Directory is an in-memory Resolver backed by explicit registrations.
// The daemon fills it from the entity managers; tests fill it directly.
type Directory struct {
	infos    map[ID]Info
	migrated map[ID]ID
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		infos:    make(map[ID]Info),
		migrated: make(map[ID]ID),
	}
}

// Put registers or replaces the classification for a peer.
func (d *Directory) Put(id ID, info Info) {
	d.infos[id] = info
}

// PutMigration records that from was upgraded to to.
func (d *Directory) PutMigration(from, to ID) {
	d.migrated[from] = to
}

func (d *Directory) Classify(id ID) Info {
	return d.infos[id]
}

func (d *Directory) MigratedTo(id ID) (ID, bool) {
	to, ok := d.migrated[id]
	return to, ok
}

// MigratedFrom returns the predecessor peer, when id is the successor of a
// recorded migration. History reads use it to continue into the old
// conversation.
func (d *Directory) MigratedFrom(id ID) (ID, bool) {
	for from, to := range d.migrated {
		if to == id {
			return from, true
		}
	}
	return 0, false
}
