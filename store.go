package fablink

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Message Store
// ============================================================================

// storeEntry wraps a message with its fixed ordering key. sortAt is assigned
// once at insertion and never changes afterwards: confirming an optimistic
// entry rewrites its contents but keeps its slot, so a message the user just
// sent never visually reorders when the canonical server timestamp arrives.
type storeEntry struct {
	msg    Message
	sortAt time.Time
	seq    int
}

// MessageStore is the ordered, deduplicated message sequence for one open
// conversation. It merges optimistic local entries with server-confirmed
// entries, keyed by clientTempId before confirmation and by server id after.
//
// Ordering is by creation timestamp; entries with equal (or absent)
// timestamps keep arrival order.
type MessageStore struct {
	mu             sync.RWMutex
	conversationID string
	entries        []*storeEntry
	byTemp         map[string]*storeEntry
	byID           map[string]*storeEntry
	seq            int
}

// NewMessageStore creates an empty store bound to one conversation.
func NewMessageStore(conversationID string) *MessageStore {
	return &MessageStore{
		conversationID: conversationID,
		byTemp:         make(map[string]*storeEntry),
		byID:           make(map[string]*storeEntry),
	}
}

// ConversationID returns the conversation this store belongs to.
func (s *MessageStore) ConversationID() string {
	return s.conversationID
}

// Seed replaces the store contents with a history snapshot. Re-seeding with
// identical data yields an identical store.
func (s *MessageStore) Seed(msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = s.entries[:0]
	s.byTemp = make(map[string]*storeEntry)
	s.byID = make(map[string]*storeEntry)
	s.seq = 0

	sorted := make([]Message, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	for _, m := range sorted {
		m.State = StateConfirmed
		s.insertLocked(m)
	}
}

// AppendOptimistic appends a locally created entry at the end of the
// sequence. The entry keeps that slot when later confirmed.
func (s *MessageStore) AppendOptimistic(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.State = StateOptimistic
	s.seq++
	e := &storeEntry{msg: m, sortAt: m.CreatedAt, seq: s.seq}
	s.entries = append(s.entries, e)
	if m.ClientTempID != "" {
		s.byTemp[m.ClientTempID] = e
	}
}

// Reconcile merges a server-confirmed message into the store. If the message
// carries a clientTempId matching an optimistic entry, that entry is replaced
// in place (same position). If the server id is already present, the existing
// entry is updated rather than duplicated. Otherwise the message is inserted
// at its timestamp position.
//
// The returned flag is true when an existing entry was replaced or updated,
// false when a new entry was added.
func (s *MessageStore) Reconcile(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.State = StateConfirmed

	if m.ClientTempID != "" {
		if e, ok := s.byTemp[m.ClientTempID]; ok {
			e.msg = m
			if m.ID != "" {
				s.byID[m.ID] = e
			}
			return true
		}
	}
	if m.ID != "" {
		if e, ok := s.byID[m.ID]; ok {
			e.msg = m
			return true
		}
	}

	s.insertLocked(m)
	return false
}

// insertLocked places a message at its timestamp position: after every entry
// whose key does not exceed the new timestamp, so equal timestamps keep
// arrival order.
func (s *MessageStore) insertLocked(m Message) {
	s.seq++
	e := &storeEntry{msg: m, sortAt: m.CreatedAt, seq: s.seq}

	i := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].sortAt.After(m.CreatedAt)
	})
	s.entries = append(s.entries, nil)
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e

	if m.ClientTempID != "" {
		s.byTemp[m.ClientTempID] = e
	}
	if m.ID != "" {
		s.byID[m.ID] = e
	}
}

// Messages returns a copy of the sequence in display order.
func (s *MessageStore) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.msg
	}
	return out
}

// Len returns the number of entries.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Pending returns the optimistic entries that were never confirmed, oldest
// first. A send that never confirms stays here indefinitely; there is no
// timeout-driven rollback.
func (s *MessageStore) Pending() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for _, e := range s.entries {
		if e.msg.State == StateOptimistic {
			out = append(out, e.msg)
		}
	}
	return out
}
