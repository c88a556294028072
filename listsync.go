package fablink

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Conversation List Synchronizer
// ============================================================================

// ConversationLister fetches the authoritative conversation snapshot.
// Implemented by ConversationsClient.
type ConversationLister interface {
	ListConversations(ctx context.Context, opts *PageOptions) ([]Conversation, error)
}

// ListSynchronizer maintains the ordered collection of conversation summaries
// shown by the list surface. It merges the REST snapshot with live delta
// events and keeps the list sorted by last activity descending, stable on
// ties. Unread counts are owned by the UnreadCoordinator; the synchronizer
// only reads them back into its entries.
type ListSynchronizer struct {
	mu        sync.Mutex
	lister    ConversationLister
	unread    *UnreadCoordinator
	pageSize  int
	entries   []Conversation
	reloading bool
	logger    *zap.Logger
}

// NewListSynchronizer creates a synchronizer over the given snapshot source.
func NewListSynchronizer(lister ConversationLister, unread *UnreadCoordinator, pageSize int, logger *zap.Logger) *ListSynchronizer {
	if unread == nil {
		unread = NewUnreadCoordinator(nil, nil)
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ListSynchronizer{
		lister:   lister,
		unread:   unread,
		pageSize: pageSize,
		logger:   logger,
	}
}

// LoadSnapshot fetches the authoritative conversation list and replaces the
// local one entirely. Safe to call repeatedly; identical backend data yields
// an identical list. On error the previous list is left untouched.
func (ls *ListSynchronizer) LoadSnapshot(ctx context.Context) error {
	convs, err := ls.lister.ListConversations(ctx, &PageOptions{Limit: ls.pageSize})
	if err != nil {
		return fmt.Errorf("load conversation snapshot: %w", err)
	}

	counts := make(map[string]int, len(convs))
	for _, c := range convs {
		counts[c.ID] = c.UnreadCount
	}
	ls.unread.ApplySnapshot(counts)

	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.entries = ls.entries[:0]
	for _, c := range convs {
		c.UnreadCount = ls.unread.Count(c.ID)
		ls.entries = append(ls.entries, c)
	}
	ls.sortLocked()
	return nil
}

// OnMessageEvent merges one inbound message delta. A message for a
// conversation the list does not know schedules a snapshot reload instead of
// fabricating a partial entry. A known conversation gets its preview and
// activity timestamp updated, is re-sorted to its correct position, and has
// its unread count bumped through the coordinator unless it is active.
func (ls *ListSynchronizer) OnMessageEvent(m Message) {
	ls.mu.Lock()

	idx := -1
	for i := range ls.entries {
		if ls.entries[i].ID == m.ConversationID {
			idx = i
			break
		}
	}

	if idx < 0 {
		if !ls.reloading {
			ls.reloading = true
			go ls.reloadSnapshot()
		}
		ls.mu.Unlock()
		return
	}

	ls.entries[idx].LastMessageText = previewText(m)
	ls.entries[idx].LastMessageAt = m.CreatedAt
	ls.mu.Unlock()

	count := ls.unread.OnInbound(m.ConversationID)

	ls.mu.Lock()
	for i := range ls.entries {
		if ls.entries[i].ID == m.ConversationID {
			ls.entries[i].UnreadCount = count
			break
		}
	}
	ls.sortLocked()
	ls.mu.Unlock()
}

func (ls *ListSynchronizer) reloadSnapshot() {
	defer func() {
		ls.mu.Lock()
		ls.reloading = false
		ls.mu.Unlock()
	}()
	if err := ls.LoadSnapshot(context.Background()); err != nil {
		ls.logger.Warn("conversation snapshot reload failed", zap.Error(err))
	}
}

// OnReadEvent handles a remote read notification. Read state is owned by
// whichever surface has the conversation open, so the event is honored only
// for the active conversation and ignored otherwise.
func (ls *ListSynchronizer) OnReadEvent(conversationID string) {
	if ls.unread.Active() != conversationID {
		return
	}
	ls.ClearUnread(conversationID)
}

// ClearUnread zeroes a conversation's unread count, e.g. when the user opens
// it from the list. Idempotent.
func (ls *ListSynchronizer) ClearUnread(conversationID string) {
	ls.unread.Clear(conversationID)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for i := range ls.entries {
		if ls.entries[i].ID == conversationID {
			ls.entries[i].UnreadCount = 0
			return
		}
	}
}

// Conversations returns a copy of the current list, most recent activity
// first.
func (ls *ListSynchronizer) Conversations() []Conversation {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	out := make([]Conversation, len(ls.entries))
	copy(out, ls.entries)
	return out
}

// sortLocked re-sorts the whole list by last activity descending. A full
// stable sort, not a move-to-front, so out-of-order delta arrival still
// yields a correct global order without jitter on ties.
func (ls *ListSynchronizer) sortLocked() {
	sort.SliceStable(ls.entries, func(i, j int) bool {
		return ls.entries[i].LastMessageAt.After(ls.entries[j].LastMessageAt)
	})
}

// previewText derives the list preview for a message: its body, or a
// placeholder when the message carries only attachments.
func previewText(m Message) string {
	if m.Body != "" {
		return m.Body
	}
	if len(m.Attachments) == 0 {
		return ""
	}
	switch m.Attachments[0].Kind {
	case MediaImage:
		return "Sent an image"
	case MediaVideo:
		return "Sent a video"
	case MediaAudio:
		return "Sent an audio message"
	case MediaDocument:
		return "Sent a document"
	default:
		return "Sent an attachment"
	}
}
