package fablink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Conversation Detail Controller
// ============================================================================

// DetailState is the load state of an open conversation.
type DetailState string

const (
	DetailLoading DetailState = "loading"
	DetailReady   DetailState = "ready"
	// DetailFailed means the history fetch failed; nothing partial is
	// rendered and LoadHistory may be retried.
	DetailFailed DetailState = "failed"
)

// DetailControllerOptions configures optional collaborators.
type DetailControllerOptions struct {
	// Unread routes active-conversation state through the coordinator. When
	// nil the controller manages no unread state.
	Unread *UnreadCoordinator
	// OnScrollToLatest fires after a new inbound message is appended (not
	// when an optimistic entry is confirmed in place).
	OnScrollToLatest func()
	Logger           *zap.Logger
}

// DetailController composes a message store, a real-time connection, and the
// REST client for one open conversation: it loads history, sends with
// optimistic entries, and reconciles inbound deltas. The controller and the
// list synchronizer consume the same event stream independently; neither
// assumes the other has processed an event first.
type DetailController struct {
	client *Client
	rt     *RealtimeClient
	store  *MessageStore
	gate   *UploadGate
	unread *UnreadCoordinator

	conversationID string
	senderRole     Role
	onScroll       func()
	logger         *zap.Logger

	mu     sync.Mutex
	state  DetailState
	closed bool
	loaded bool
}

// NewDetailController creates a controller for one conversation and
// registers its inbound handlers on the real-time connection. The connection
// belongs to this mount; Close the controller and disconnect when the
// conversation is switched.
func NewDetailController(client *Client, rt *RealtimeClient, conversationID string, senderRole Role, opts *DetailControllerOptions) *DetailController {
	if opts == nil {
		opts = &DetailControllerOptions{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = client.Logger()
	}

	c := &DetailController{
		client:         client,
		rt:             rt,
		store:          NewMessageStore(conversationID),
		gate:           NewUploadGate(client.Files, logger),
		unread:         opts.Unread,
		conversationID: conversationID,
		senderRole:     senderRole,
		onScroll:       opts.OnScrollToLatest,
		logger:         logger,
		state:          DetailLoading,
	}

	if rt != nil {
		rt.OnMessageNew(func(p MessageNewPayload) {
			c.OnIncomingMessage(p.Message)
		})
	}
	return c
}

// Open marks this conversation active: its unread count is forced to zero
// and a best-effort mark-read emission goes to the remote party.
func (c *DetailController) Open(ctx context.Context) {
	if c.unread != nil {
		c.unread.Open(ctx, c.conversationID)
	}
}

// Close tears the controller down. The store is discarded, not persisted;
// reopening the conversation re-fetches history.
func (c *DetailController) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if c.unread != nil {
		c.unread.Close(c.conversationID)
	}
}

// State returns the controller's load state.
func (c *DetailController) State() DetailState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LoadHistory fetches the most recent pageSize messages and seeds the store.
// Called once per conversation open; a failed load leaves the state at
// failed and may be retried.
func (c *DetailController) LoadHistory(ctx context.Context, pageSize int) error {
	c.mu.Lock()
	if c.loaded {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	msgs, err := c.client.Messages.List(ctx, c.conversationID, &PageOptions{Limit: pageSize})
	if err != nil {
		c.mu.Lock()
		c.state = DetailFailed
		c.mu.Unlock()
		return fmt.Errorf("load history: %w", err)
	}

	c.store.Seed(msgs)
	c.mu.Lock()
	c.state = DetailReady
	c.loaded = true
	c.mu.Unlock()
	return nil
}

// Send creates an optimistic entry and emits the message. The optimistic
// entry appears immediately, before any network confirmation, and is left in
// place even when delivery fails: a send that never confirms surfaces only
// as an absent checkmark, never as a removed message.
//
// Attachments are uploaded first; any upload failure aborts the whole send
// before optimistic state exists. The live connection is used when
// connected, the REST path otherwise; both carry the same clientTempId.
func (c *DetailController) Send(ctx context.Context, body string, files []PendingFile) (*Message, error) {
	if strings.TrimSpace(body) == "" && len(files) == 0 {
		return nil, ErrEmptyMessage
	}
	if c.conversationID == "" {
		return nil, ErrPeerUnresolved
	}

	attachments, err := c.gate.UploadAll(ctx, c.conversationID, files)
	if err != nil {
		return nil, err
	}

	msg := Message{
		ClientTempID:   uuid.NewString(),
		ConversationID: c.conversationID,
		SenderRole:     c.senderRole,
		Body:           body,
		Attachments:    attachments,
		CreatedAt:      time.Now().UTC(),
		State:          StateOptimistic,
	}
	c.store.AppendOptimistic(msg)

	req := &SendMessageRequest{
		ConversationID: c.conversationID,
		Body:           body,
		ClientTempID:   msg.ClientTempID,
		Attachments:    attachments,
	}

	if c.rt != nil && c.rt.Connected() {
		if err := c.rt.SendMessage(ctx, req); err != nil {
			c.logger.Warn("realtime send failed",
				zap.String("conversationId", c.conversationID),
				zap.String("clientTempId", msg.ClientTempID),
				zap.Error(err))
			return &msg, fmt.Errorf("send message: %w", err)
		}
		return &msg, nil
	}

	confirmed, err := c.client.Messages.Send(ctx, req)
	if err != nil {
		c.logger.Warn("rest fallback send failed",
			zap.String("conversationId", c.conversationID),
			zap.String("clientTempId", msg.ClientTempID),
			zap.Error(err))
		return &msg, fmt.Errorf("send message: %w", err)
	}
	// The REST response is the confirmation; a duplicate confirming event
	// over the socket reconciles onto the same entry.
	c.store.Reconcile(*confirmed)
	return &msg, nil
}

// OnIncomingMessage merges one inbound delta. Messages for other
// conversations are ignored here (the list synchronizer consumes them
// independently). A delta matching an optimistic entry confirms it in place;
// anything else appends and triggers the scroll-to-latest side effect.
func (c *DetailController) OnIncomingMessage(m Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if m.ConversationID != c.conversationID {
		return
	}

	replaced := c.store.Reconcile(m)
	if !replaced && c.onScroll != nil {
		c.onScroll()
	}
}

// Messages returns the current ordered sequence.
func (c *DetailController) Messages() []Message {
	return c.store.Messages()
}

// Timeline returns the date-banded projection of the current sequence,
// recomputed on every call.
func (c *DetailController) Timeline() []TimelineSection {
	return BuildTimeline(c.store.Messages(), time.Now())
}
