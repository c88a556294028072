package fablink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestControllerLoadHistory(t *testing.T) {
	t.Run("seeds the store and becomes ready", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeResult(w, []Message{
				{ID: "m1", ConversationID: "conv-001", Body: "hi", CreatedAt: storeBase},
				{ID: "m2", ConversationID: "conv-001", Body: "there", CreatedAt: storeBase.Add(time.Minute)},
			})
		}))
		ctrl := NewDetailController(client, nil, "conv-001", RoleBuyer, nil)

		if err := ctrl.LoadHistory(context.Background(), 50); err != nil {
			t.Fatal(err)
		}
		if ctrl.State() != DetailReady {
			t.Fatalf("state = %q, want ready", ctrl.State())
		}
		assertOrder(t, ctrl.Messages(), "m1", "m2")
	})

	t.Run("failed load is retryable", func(t *testing.T) {
		var fail atomic.Bool
		fail.Store(true)
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if fail.Load() {
				writeError(w, "UNAVAILABLE", "try later")
				return
			}
			writeResult(w, []Message{{ID: "m1", ConversationID: "conv-001", CreatedAt: storeBase}})
		}))
		ctrl := NewDetailController(client, nil, "conv-001", RoleBuyer, nil)

		if err := ctrl.LoadHistory(context.Background(), 50); err == nil {
			t.Fatal("expected error")
		}
		if ctrl.State() != DetailFailed {
			t.Fatalf("state = %q, want failed", ctrl.State())
		}
		if n := len(ctrl.Messages()); n != 0 {
			t.Fatalf("messages = %d, want 0 after failed load", n)
		}

		fail.Store(false)
		if err := ctrl.LoadHistory(context.Background(), 50); err != nil {
			t.Fatal(err)
		}
		if ctrl.State() != DetailReady {
			t.Fatalf("state = %q, want ready", ctrl.State())
		}
	})
}

func TestControllerSend(t *testing.T) {
	t.Run("empty message rejected", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("unexpected request")
		}))
		ctrl := NewDetailController(client, nil, "conv-001", RoleBuyer, nil)
		if _, err := ctrl.Send(context.Background(), "   ", nil); !errors.Is(err, ErrEmptyMessage) {
			t.Fatalf("err = %v, want ErrEmptyMessage", err)
		}
		if n := len(ctrl.Messages()); n != 0 {
			t.Fatalf("messages = %d, want 0", n)
		}
	})

	t.Run("unresolved conversation rejected", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("unexpected request")
		}))
		ctrl := NewDetailController(client, nil, "", RoleBuyer, nil)
		if _, err := ctrl.Send(context.Background(), "hello", nil); !errors.Is(err, ErrPeerUnresolved) {
			t.Fatalf("err = %v, want ErrPeerUnresolved", err)
		}
	})

	t.Run("rest fallback confirms in place with same clientTempId", func(t *testing.T) {
		var sent SendMessageRequest
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewDecoder(r.Body).Decode(&sent)
			writeResult(w, Message{
				ID:             "m1",
				ClientTempID:   sent.ClientTempID,
				ConversationID: sent.ConversationID,
				Body:           sent.Body,
				CreatedAt:      time.Now().UTC(),
			})
		}))
		ctrl := NewDetailController(client, nil, "conv-001", RoleBuyer, nil)

		msg, err := ctrl.Send(context.Background(), "hello", nil)
		if err != nil {
			t.Fatal(err)
		}
		if msg.ClientTempID == "" || sent.ClientTempID != msg.ClientTempID {
			t.Fatalf("clientTempId mismatch: local %q, wire %q", msg.ClientTempID, sent.ClientTempID)
		}

		msgs := ctrl.Messages()
		if len(msgs) != 1 {
			t.Fatalf("messages = %d, want 1", len(msgs))
		}
		if msgs[0].State != StateConfirmed || msgs[0].ID != "m1" {
			t.Fatalf("message = %+v, want confirmed m1", msgs[0])
		}
		if n := len(ctrl.store.Pending()); n != 0 {
			t.Fatalf("pending = %d, want 0", n)
		}
	})

	t.Run("duplicate socket confirmation is idempotent", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req SendMessageRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			writeResult(w, Message{
				ID: "m1", ClientTempID: req.ClientTempID, ConversationID: "conv-001",
				Body: req.Body, CreatedAt: time.Now().UTC(),
			})
		}))
		ctrl := NewDetailController(client, nil, "conv-001", RoleBuyer, nil)

		msg, err := ctrl.Send(context.Background(), "hello", nil)
		if err != nil {
			t.Fatal(err)
		}

		// The same confirmation arrives again over the socket.
		ctrl.OnIncomingMessage(Message{
			ID: "m1", ClientTempID: msg.ClientTempID, ConversationID: "conv-001",
			Body: "hello", CreatedAt: time.Now().UTC(),
		})
		if n := len(ctrl.Messages()); n != 1 {
			t.Fatalf("messages = %d, want 1", n)
		}
	})

	t.Run("failed send leaves optimistic entry in place", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, "UNAVAILABLE", "service down")
		}))
		ctrl := NewDetailController(client, nil, "conv-001", RoleBuyer, nil)

		if _, err := ctrl.Send(context.Background(), "hello", nil); err == nil {
			t.Fatal("expected error")
		}

		msgs := ctrl.Messages()
		if len(msgs) != 1 {
			t.Fatalf("messages = %d, want 1", len(msgs))
		}
		if msgs[0].State != StateOptimistic {
			t.Fatalf("state = %q, want optimistic", msgs[0].State)
		}
	})

	t.Run("upload failure aborts before optimistic state", func(t *testing.T) {
		var messageSends atomic.Int32
		mux := http.NewServeMux()
		mux.HandleFunc("/api/chat/files/presign", func(w http.ResponseWriter, r *http.Request) {
			writeError(w, "QUOTA", "quota exceeded")
		})
		mux.HandleFunc("/api/chat/conversations/conv-001/messages", func(w http.ResponseWriter, r *http.Request) {
			messageSends.Add(1)
		})
		client := newTestClient(t, mux)
		ctrl := NewDetailController(client, nil, "conv-001", RoleBuyer, nil)

		_, err := ctrl.Send(context.Background(), "with file", []PendingFile{
			{Name: "photo.png", Data: []byte("data")},
		})
		if err == nil {
			t.Fatal("expected error")
		}
		if n := len(ctrl.Messages()); n != 0 {
			t.Fatalf("messages = %d, want 0 after aborted send", n)
		}
		if messageSends.Load() != 0 {
			t.Fatal("message was emitted despite upload failure")
		}
	})
}

func TestControllerIncoming(t *testing.T) {
	newReadyController := func(t *testing.T, onScroll func()) *DetailController {
		t.Helper()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeResult(w, []Message{{ID: "m1", ConversationID: "conv-001", CreatedAt: storeBase}})
		}))
		t.Cleanup(srv.Close)
		client := NewClient("test-token", WithBaseURL(srv.URL))
		ctrl := NewDetailController(client, nil, "conv-001", RoleBuyer, &DetailControllerOptions{
			OnScrollToLatest: onScroll,
		})
		if err := ctrl.LoadHistory(context.Background(), 50); err != nil {
			t.Fatal(err)
		}
		return ctrl
	}

	t.Run("appends new message and scrolls", func(t *testing.T) {
		var scrolled atomic.Int32
		ctrl := newReadyController(t, func() { scrolled.Add(1) })

		ctrl.OnIncomingMessage(Message{
			ID: "m2", ConversationID: "conv-001", Body: "new", CreatedAt: storeBase.Add(time.Minute),
		})
		assertOrder(t, ctrl.Messages(), "m1", "m2")
		if scrolled.Load() != 1 {
			t.Fatalf("scrolled = %d, want 1", scrolled.Load())
		}
	})

	t.Run("confirmation does not scroll", func(t *testing.T) {
		var scrolled atomic.Int32
		ctrl := newReadyController(t, func() { scrolled.Add(1) })
		ctrl.store.AppendOptimistic(Message{ClientTempID: "tmp-1", ConversationID: "conv-001", CreatedAt: storeBase.Add(time.Minute)})

		ctrl.OnIncomingMessage(Message{
			ID: "m2", ClientTempID: "tmp-1", ConversationID: "conv-001", CreatedAt: storeBase.Add(time.Minute),
		})
		if scrolled.Load() != 0 {
			t.Fatalf("scrolled = %d, want 0", scrolled.Load())
		}
	})

	t.Run("other conversations ignored", func(t *testing.T) {
		ctrl := newReadyController(t, nil)
		ctrl.OnIncomingMessage(Message{ID: "x1", ConversationID: "conv-999", CreatedAt: storeBase.Add(time.Minute)})
		if n := len(ctrl.Messages()); n != 1 {
			t.Fatalf("messages = %d, want 1", n)
		}
	})

	t.Run("closed controller drops events", func(t *testing.T) {
		ctrl := newReadyController(t, nil)
		ctrl.Close()
		ctrl.OnIncomingMessage(Message{ID: "m2", ConversationID: "conv-001", CreatedAt: storeBase.Add(time.Minute)})
		if n := len(ctrl.Messages()); n != 1 {
			t.Fatalf("messages = %d, want 1", n)
		}
	})
}

func TestControllerOpenClose(t *testing.T) {
	var marked atomic.Int32
	unread := NewUnreadCoordinator(func(ctx context.Context, id string) error {
		marked.Add(1)
		return nil
	}, nil)
	unread.OnInbound("conv-001")

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, []Message{})
	}))
	ctrl := NewDetailController(client, nil, "conv-001", RoleBuyer, &DetailControllerOptions{Unread: unread})

	ctrl.Open(context.Background())
	if unread.Count("conv-001") != 0 {
		t.Fatalf("count = %d, want 0", unread.Count("conv-001"))
	}
	if marked.Load() != 1 {
		t.Fatalf("mark-read emissions = %d, want 1", marked.Load())
	}

	ctrl.Close()
	if unread.Active() != "" {
		t.Fatalf("active = %q, want empty", unread.Active())
	}
}
