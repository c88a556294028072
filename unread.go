package fablink

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Unread Coordinator
// ============================================================================

// MarkReadFunc notifies the remote party that a conversation has been read.
// Used by the coordinator as a best-effort emission when a conversation is
// opened.
type MarkReadFunc func(ctx context.Context, conversationID string) error

// UnreadCoordinator is the single owner of unread counts. The list
// synchronizer and the detail controller both route unread changes through
// it; neither mutates counts directly, which is what prevents the
// double-count and zero-count races between the two surfaces.
//
// Policy: counts derived from live delta events are authoritative between
// snapshot refreshes; a snapshot refresh overwrites the local count for every
// conversation it describes. The active conversation's count is pinned to
// zero no matter what arrives.
type UnreadCoordinator struct {
	mu       sync.Mutex
	counts   map[string]int
	active   string
	markRead MarkReadFunc
	logger   *zap.Logger
}

// NewUnreadCoordinator creates a coordinator. markRead may be nil when no
// remote notification is wanted (tests, read-only surfaces).
func NewUnreadCoordinator(markRead MarkReadFunc, logger *zap.Logger) *UnreadCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UnreadCoordinator{
		counts:   make(map[string]int),
		markRead: markRead,
		logger:   logger,
	}
}

// Open makes the conversation active, forces its count to zero, and emits a
// best-effort mark-read notification. A failed emission is logged and does
// not roll back the local zeroing.
func (u *UnreadCoordinator) Open(ctx context.Context, conversationID string) {
	u.mu.Lock()
	u.active = conversationID
	u.counts[conversationID] = 0
	markRead := u.markRead
	u.mu.Unlock()

	if markRead != nil {
		if err := markRead(ctx, conversationID); err != nil {
			u.logger.Warn("mark-read emission failed",
				zap.String("conversationId", conversationID),
				zap.Error(err))
		}
	}
}

// Close clears the active conversation if it matches.
func (u *UnreadCoordinator) Close(conversationID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.active == conversationID {
		u.active = ""
	}
}

// Active returns the currently active conversation id, or "".
func (u *UnreadCoordinator) Active() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.active
}

// OnInbound records one qualifying inbound message for a conversation and
// returns the resulting count. The active conversation stays at zero.
func (u *UnreadCoordinator) OnInbound(conversationID string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	if conversationID == u.active {
		u.counts[conversationID] = 0
		return 0
	}
	u.counts[conversationID]++
	return u.counts[conversationID]
}

// ApplySnapshot overwrites the local count for every conversation the
// snapshot describes. Counts for conversations the snapshot does not mention
// are left alone. The active conversation is pinned to zero regardless.
func (u *UnreadCoordinator) ApplySnapshot(counts map[string]int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for id, n := range counts {
		if id == u.active {
			n = 0
		}
		u.counts[id] = n
	}
}

// Clear zeroes a conversation's count. Idempotent.
func (u *UnreadCoordinator) Clear(conversationID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.counts[conversationID] = 0
}

// Count returns the current count for a conversation.
func (u *UnreadCoordinator) Count(conversationID string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.counts[conversationID]
}
