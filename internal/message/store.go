// Package message implements the canonical keyed message store and the
// per-conversation history sequences derived from it.
package message

import (
	"go.uber.org/zap"

	"tgsync/internal/peer"
)

// Watermarks exposes the read watermarks of a dialog, when one exists, so
// normalization can compute unread state. The dialog store implements it.
type Watermarks interface {
	Watermarks(p peer.ID) (inbox, outbox peer.Key, ok bool)
}

// MediaResolver folds raw media references through the external media
// managers. Implementations may rewrite the reference (e.g. dedup).
type MediaResolver interface {
	Resolve(m Media, key peer.Key) Media
}

// SaveOptions modifies Save behavior.
type SaveOptions struct {
	// Edited recomputes records without inserting unknown keys: edits only
	// apply to already-known messages.
	Edited bool
}

// Store owns every Message record in the replica. It is not safe for
// concurrent use; the reconciler serializes all mutation.
type Store struct {
	logger   *zap.Logger
	resolver peer.Resolver

	watermarks Watermarks
	media      MediaResolver
	onMigrate  func(from, to peer.ID)

	timeOffset int64

	messages  map[peer.Key]*Message
	byPeer    map[peer.ID]map[peer.Key]*Message
	grouped   map[int64]map[peer.Key]*Message
	histories map[peer.ID]*History
}

// NewStore creates an empty message store.
func NewStore(resolver peer.Resolver, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		logger:    logger,
		resolver:  resolver,
		messages:  make(map[peer.Key]*Message),
		byPeer:    make(map[peer.ID]map[peer.Key]*Message),
		grouped:   make(map[int64]map[peer.Key]*Message),
		histories: make(map[peer.ID]*History),
	}
}

// SetWatermarks wires the dialog store's watermark lookup.
func (s *Store) SetWatermarks(w Watermarks) { s.watermarks = w }

// SetMediaResolver wires the external media manager.
func (s *Store) SetMediaResolver(m MediaResolver) { s.media = m }

// OnMigrate registers the hook invoked when a structural migrate action is
// detected during normalization.
func (s *Store) OnMigrate(fn func(from, to peer.ID)) { s.onMigrate = fn }

// SetTimeOffset records the service/local clock skew, in seconds. Saved
// message dates are corrected by it.
func (s *Store) SetTimeOffset(sec int64) { s.timeOffset = sec }

// History returns the peer's history storage, creating it on first use.
func (s *Store) History(p peer.ID) *History {
	h, ok := s.histories[p]
	if !ok {
		h = &History{}
		s.histories[p] = h
	}
	return h
}

// HistoryIfExists returns the peer's history storage without creating it.
func (s *Store) HistoryIfExists(p peer.ID) (*History, bool) {
	h, ok := s.histories[p]
	return h, ok
}

// Save normalizes raw payloads into Message records and indexes them.
// Malformed records (no peer) are skipped, never aborting the batch. The
// returned slice holds the normalized records in input order, nil in skipped
// positions.
func (s *Store) Save(raws []Raw, opts SaveOptions) []*Message {
	out := make([]*Message, len(raws))
	for i, raw := range raws {
		if raw.Peer == 0 {
			s.logger.Warn("skipping message without peer", zap.Int64("id", raw.ID))
			continue
		}
		out[i] = s.saveOne(raw, opts)
	}
	return out
}

func (s *Store) saveOne(raw Raw, opts SaveOptions) *Message {
	channel := peer.ChannelOf(raw.Peer, s.resolver)
	key := peer.FullKey(raw.ID, channel)

	if opts.Edited {
		existing, ok := s.messages[key]
		if !ok {
			return nil
		}
		m := s.normalize(raw, key, channel)
		// Patch in place so history sequences and queued notifications keep
		// pointing at the same record.
		pending := existing.Pending
		*existing = *m
		existing.Pending = pending
		return existing
	}

	m := s.normalize(raw, key, channel)
	s.index(m)
	return m
}

func (s *Store) normalize(raw Raw, key peer.Key, channel peer.ID) *Message {
	m := &Message{
		Key:       key,
		Peer:      raw.Peer,
		From:      raw.From,
		Date:      raw.Date - s.timeOffset,
		Text:      raw.Text,
		GroupedID: raw.GroupedID,
		Out:       raw.Out,
		Unread:    raw.Unread,
		Mentioned: raw.Mentioned,
		Pending:   key < 0,
		Markup:    raw.Markup,
	}

	if raw.ReplyToID != 0 {
		m.ReplyTo = peer.FullKey(raw.ReplyToID, channel)
	}

	if raw.Media != nil {
		media := *raw.Media
		if s.media != nil {
			media = s.media.Resolve(media, key)
		}
		m.Media = &media
	}

	if key > 0 && s.watermarks != nil {
		if inbox, outbox, ok := s.watermarks.Watermarks(raw.Peer); ok {
			wm := inbox
			if m.Out {
				wm = outbox
			}
			m.Unread = key > wm
		}
	}

	if raw.Action != nil {
		action := *raw.Action
		m.Action = &action
		switch action.Type {
		case ActionHistoryClear:
			m.ClearHistory = true
			m.Out = false
			m.Unread = false
		case ActionMigrateFrom:
			s.migrate(action.Chat, channel)
		case ActionMigrateTo:
			s.migrate(raw.Peer, action.Channel)
		}
	}

	return m
}

func (s *Store) migrate(from, to peer.ID) {
	if from == 0 || to == 0 || from == to {
		return
	}
	if s.onMigrate != nil {
		s.onMigrate(from, to)
	}
}

func (s *Store) index(m *Message) {
	s.messages[m.Key] = m

	byPeer, ok := s.byPeer[m.Peer]
	if !ok {
		byPeer = make(map[peer.Key]*Message)
		s.byPeer[m.Peer] = byPeer
	}
	byPeer[m.Key] = m

	if m.GroupedID != 0 {
		group, ok := s.grouped[m.GroupedID]
		if !ok {
			group = make(map[peer.Key]*Message)
			s.grouped[m.GroupedID] = group
		}
		group[m.Key] = m
	}
}

// Get returns the message for key, or a synthetic tombstone when unknown.
// Callers must treat the tombstone as a valid empty value, not an error.
func (s *Store) Get(key peer.Key) *Message {
	if m, ok := s.messages[key]; ok {
		return m
	}
	return &Message{Key: key, Deleted: true}
}

// MessageDate returns the stored timestamp for a key, or 0 when unknown.
// Dialog index generation uses it to follow the top message.
func (s *Store) MessageDate(key peer.Key) int64 {
	if m, ok := s.messages[key]; ok {
		return m.Date
	}
	return 0
}

// Has reports whether the key is known to the store.
func (s *Store) Has(key peer.Key) bool {
	_, ok := s.messages[key]
	return ok
}

// PeerMessages returns the keys known for a peer, newest first.
func (s *Store) PeerMessages(p peer.ID) []peer.Key {
	byPeer := s.byPeer[p]
	keys := make([]peer.Key, 0, len(byPeer))
	for k := range byPeer {
		keys = append(keys, k)
	}
	// Descending.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] > keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// Group returns the album members recorded for a grouped id.
func (s *Store) Group(groupedID int64) []*Message {
	group := s.grouped[groupedID]
	out := make([]*Message, 0, len(group))
	for _, m := range group {
		out = append(out, m)
	}
	return out
}

// Delete downgrades messages to tombstones, removes them from their peer's
// sequences, and reports per-peer summaries. Re-deleting a tombstone is a
// no-op.
func (s *Store) Delete(keys []peer.Key) map[peer.ID]*DeleteSummary {
	summaries := make(map[peer.ID]*DeleteSummary)
	for _, key := range keys {
		m, ok := s.messages[key]
		if !ok || m.Deleted {
			continue
		}

		sum, ok := summaries[m.Peer]
		if !ok {
			sum = &DeleteSummary{Keys: make(map[peer.Key]bool)}
			summaries[m.Peer] = sum
		}
		if !m.Out && m.Unread {
			sum.Unread++
		}
		sum.Count++
		sum.Keys[key] = true

		if m.GroupedID != 0 {
			delete(s.grouped[m.GroupedID], key)
		}
		delete(s.byPeer[m.Peer], key)
		m.Tombstone()

		if h, ok := s.histories[m.Peer]; ok {
			h.Remove(key)
			if key > 0 {
				h.AddCount(-1)
			}
		}
	}
	return summaries
}

// Drop physically removes a record. Only the send coordinator uses it, to
// discard finalized or cancelled placeholders.
func (s *Store) Drop(key peer.Key) {
	m, ok := s.messages[key]
	if !ok {
		return
	}
	if m.GroupedID != 0 {
		delete(s.grouped[m.GroupedID], key)
	}
	delete(s.byPeer[m.Peer], key)
	delete(s.messages, key)
}

// Insert places an already-normalized message into the indexes. The send
// coordinator uses it for locally-built placeholders.
func (s *Store) Insert(m *Message) {
	s.index(m)
}

// ForgetPeer removes every record and the history for a fully cleared
// conversation.
func (s *Store) ForgetPeer(p peer.ID) {
	for k := range s.byPeer[p] {
		s.Drop(k)
	}
	delete(s.byPeer, p)
	delete(s.histories, p)
}
