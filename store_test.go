package fablink

import (
	"fmt"
	"testing"
	"time"
)

var storeBase = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func confirmedMsg(id string, offset time.Duration) Message {
	return Message{
		ID:             id,
		ConversationID: "conv-001",
		SenderRole:     RoleManufacturer,
		Body:           "message " + id,
		CreatedAt:      storeBase.Add(offset),
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
		if m.ID == "" {
			out[i] = m.ClientTempID
		}
	}
	return out
}

func assertOrder(t *testing.T, msgs []Message, want ...string) {
	t.Helper()
	got := ids(msgs)
	if len(got) != len(want) {
		t.Fatalf("got %d messages %v, want %d %v", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: got %q, want %q (full order %v)", i, got[i], want[i], got)
		}
	}
}

func TestStoreSeed(t *testing.T) {
	t.Run("sorts ascending by timestamp", func(t *testing.T) {
		s := NewMessageStore("conv-001")
		s.Seed([]Message{
			confirmedMsg("m3", 3*time.Minute),
			confirmedMsg("m1", 1*time.Minute),
			confirmedMsg("m2", 2*time.Minute),
		})
		assertOrder(t, s.Messages(), "m1", "m2", "m3")
	})

	t.Run("marks entries confirmed", func(t *testing.T) {
		s := NewMessageStore("conv-001")
		m := confirmedMsg("m1", 0)
		m.State = StateOptimistic
		s.Seed([]Message{m})
		if got := s.Messages()[0].State; got != StateConfirmed {
			t.Fatalf("state = %q, want %q", got, StateConfirmed)
		}
	})

	t.Run("reseed replaces contents", func(t *testing.T) {
		s := NewMessageStore("conv-001")
		s.Seed([]Message{confirmedMsg("old", 0)})
		s.Seed([]Message{confirmedMsg("m1", 1*time.Minute), confirmedMsg("m2", 2*time.Minute)})
		assertOrder(t, s.Messages(), "m1", "m2")
	})

	t.Run("reseed with same data is idempotent", func(t *testing.T) {
		snapshot := []Message{
			confirmedMsg("m1", 1*time.Minute),
			confirmedMsg("m2", 2*time.Minute),
		}
		s := NewMessageStore("conv-001")
		s.Seed(snapshot)
		first := ids(s.Messages())
		s.Seed(snapshot)
		second := ids(s.Messages())
		if len(first) != len(second) {
			t.Fatalf("lengths differ: %v vs %v", first, second)
		}
		for i := range first {
			if first[i] != second[i] {
				t.Fatalf("order changed after reseed: %v vs %v", first, second)
			}
		}
	})
}

func TestStoreReconcile(t *testing.T) {
	t.Run("confirms optimistic entry in place", func(t *testing.T) {
		s := NewMessageStore("conv-001")
		s.Seed([]Message{confirmedMsg("m1", 0)})

		opt := Message{
			ClientTempID:   "tmp-1",
			ConversationID: "conv-001",
			Body:           "on its way",
			CreatedAt:      storeBase.Add(1 * time.Minute),
		}
		s.AppendOptimistic(opt)

		// Server assigns an earlier canonical timestamp. The confirmed entry
		// must keep the optimistic slot anyway.
		confirmed := Message{
			ID:             "m2",
			ClientTempID:   "tmp-1",
			ConversationID: "conv-001",
			Body:           "on its way",
			CreatedAt:      storeBase.Add(-5 * time.Minute),
		}
		if replaced := s.Reconcile(confirmed); !replaced {
			t.Fatal("expected in-place replacement")
		}
		assertOrder(t, s.Messages(), "m1", "m2")
		if got := s.Messages()[1].State; got != StateConfirmed {
			t.Fatalf("state = %q, want %q", got, StateConfirmed)
		}
		if n := s.Len(); n != 2 {
			t.Fatalf("len = %d, want 2", n)
		}
	})

	t.Run("duplicate server id updates without duplicating", func(t *testing.T) {
		s := NewMessageStore("conv-001")
		m := confirmedMsg("m1", 0)
		s.Seed([]Message{m})

		m.Body = "edited"
		if replaced := s.Reconcile(m); !replaced {
			t.Fatal("expected update of existing entry")
		}
		if n := s.Len(); n != 1 {
			t.Fatalf("len = %d, want 1", n)
		}
		if got := s.Messages()[0].Body; got != "edited" {
			t.Fatalf("body = %q, want %q", got, "edited")
		}
	})

	t.Run("unknown message inserts at timestamp position", func(t *testing.T) {
		s := NewMessageStore("conv-001")
		s.Seed([]Message{
			confirmedMsg("m1", 1*time.Minute),
			confirmedMsg("m3", 3*time.Minute),
		})
		if replaced := s.Reconcile(confirmedMsg("m2", 2*time.Minute)); replaced {
			t.Fatal("expected insertion, not replacement")
		}
		assertOrder(t, s.Messages(), "m1", "m2", "m3")
	})

	t.Run("equal timestamps keep arrival order", func(t *testing.T) {
		s := NewMessageStore("conv-001")
		s.Reconcile(confirmedMsg("a", 0))
		s.Reconcile(confirmedMsg("b", 0))
		s.Reconcile(confirmedMsg("c", 0))
		assertOrder(t, s.Messages(), "a", "b", "c")
	})

	t.Run("confirmation after duplicate socket event stays single", func(t *testing.T) {
		s := NewMessageStore("conv-001")
		s.AppendOptimistic(Message{ClientTempID: "tmp-1", ConversationID: "conv-001", CreatedAt: storeBase})

		confirmed := Message{ID: "m1", ClientTempID: "tmp-1", ConversationID: "conv-001", CreatedAt: storeBase}
		s.Reconcile(confirmed)
		s.Reconcile(confirmed)
		if n := s.Len(); n != 1 {
			t.Fatalf("len = %d, want 1", n)
		}
	})
}

func TestStorePending(t *testing.T) {
	s := NewMessageStore("conv-001")
	s.AppendOptimistic(Message{ClientTempID: "tmp-1", CreatedAt: storeBase})
	s.AppendOptimistic(Message{ClientTempID: "tmp-2", CreatedAt: storeBase.Add(time.Second)})

	s.Reconcile(Message{ID: "m1", ClientTempID: "tmp-1", CreatedAt: storeBase})

	pending := s.Pending()
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].ClientTempID != "tmp-2" {
		t.Fatalf("pending = %q, want tmp-2", pending[0].ClientTempID)
	}
}

func TestStoreInterleavedSends(t *testing.T) {
	// Two local sends confirm out of order; neither moves.
	s := NewMessageStore("conv-001")
	for i := 1; i <= 2; i++ {
		s.AppendOptimistic(Message{
			ClientTempID: fmt.Sprintf("tmp-%d", i),
			CreatedAt:    storeBase.Add(time.Duration(i) * time.Second),
		})
	}

	s.Reconcile(Message{ID: "m2", ClientTempID: "tmp-2", CreatedAt: storeBase.Add(10 * time.Second)})
	s.Reconcile(Message{ID: "m1", ClientTempID: "tmp-1", CreatedAt: storeBase.Add(20 * time.Second)})

	assertOrder(t, s.Messages(), "m1", "m2")
}
