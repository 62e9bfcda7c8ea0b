package snapshot

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tgsync/internal/dialog"
	"tgsync/internal/filter"
	"tgsync/internal/message"
	"tgsync/internal/peer"
)

const stateKey = "replica"

// State is the serialized replica. Dialogs are trimmed so their top message
// is always a confirmed one; placeholders never survive a restart.
type State struct {
	SavedAt int64    `json:"saved_at"`
	MaxSeen peer.Key `json:"max_seen"`

	Dialogs      []dialog.Dialog     `json:"dialogs"`
	Messages     []message.Message   `json:"messages"`
	Filters      []*filter.Filter    `json:"filters"`
	PinnedOrders map[int32][]peer.ID `json:"pinned_orders"`
	AllLoaded    map[int32]bool      `json:"all_loaded"`
}

// Capture builds a State from the live replica.
func Capture(dialogs *dialog.Storage, store *message.Store, filters *filter.Registry, maxSeen peer.Key) *State {
	st := &State{
		SavedAt: time.Now().Unix(),
		MaxSeen: maxSeen,
		PinnedOrders: map[int32][]peer.ID{
			dialog.FolderPrimary: dialogs.PinnedOrder(dialog.FolderPrimary),
			dialog.FolderArchive: dialogs.PinnedOrder(dialog.FolderArchive),
		},
		AllLoaded: dialogs.LoadedFolders(),
	}

	for _, d := range dialogs.All() {
		saved := *d
		if saved.TopMessage.Pending() {
			saved.TopMessage = 0
			if h, ok := store.HistoryIfExists(d.Peer); ok {
				saved.TopMessage = h.Top()
			}
		}
		if saved.TopMessage != 0 {
			if m := store.Get(saved.TopMessage); !m.Deleted {
				st.Messages = append(st.Messages, *m)
			}
		}
		st.Dialogs = append(st.Dialogs, saved)
	}

	st.Filters = filters.All()
	return st
}

// Restore folds the State back into empty stores.
func (st *State) Restore(dialogs *dialog.Storage, store *message.Store, filters *filter.Registry) {
	for _, f := range st.Filters {
		filters.Save(f, false)
	}
	for folder, order := range st.PinnedOrders {
		dialogs.SetPinnedOrder(folder, order)
	}
	for i := range st.Messages {
		m := st.Messages[i]
		store.Insert(&m)
		store.History(m.Peer).InsertConfirmed(m.Key)
	}
	for i := range st.Dialogs {
		d := st.Dialogs[i]
		dialogs.Push(&d, 0)
	}
	for folder, loaded := range st.AllLoaded {
		dialogs.SetAllLoaded(folder, loaded)
	}
}

// SaveState persists the serialized replica.
func (db *DB) SaveState(st *State) error {
	blob, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	_, err = db.Exec(`INSERT INTO state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		stateKey, blob, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// LoadState reads the last persisted replica. Returns nil when no snapshot
// has been written yet.
func (db *DB) LoadState() (*State, error) {
	var blob []byte
	err := db.QueryRow(`SELECT value FROM state WHERE key = ?`, stateKey).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	var st State
	if err := json.Unmarshal(blob, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &st, nil
}
