package fablink

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestUnreadOnInbound(t *testing.T) {
	t.Run("two inbound messages count to two", func(t *testing.T) {
		u := NewUnreadCoordinator(nil, nil)
		u.OnInbound("conv-001")
		if got := u.OnInbound("conv-001"); got != 2 {
			t.Fatalf("count = %d, want 2", got)
		}
	})

	t.Run("active conversation stays zero", func(t *testing.T) {
		u := NewUnreadCoordinator(nil, nil)
		u.Open(context.Background(), "conv-001")
		if got := u.OnInbound("conv-001"); got != 0 {
			t.Fatalf("count = %d, want 0", got)
		}
		if got := u.OnInbound("conv-002"); got != 1 {
			t.Fatalf("other conversation count = %d, want 1", got)
		}
	})

	t.Run("counting resumes after close", func(t *testing.T) {
		u := NewUnreadCoordinator(nil, nil)
		u.Open(context.Background(), "conv-001")
		u.Close("conv-001")
		if got := u.OnInbound("conv-001"); got != 1 {
			t.Fatalf("count = %d, want 1", got)
		}
	})
}

func TestUnreadOpen(t *testing.T) {
	t.Run("zeroes count and emits mark-read", func(t *testing.T) {
		var marked []string
		u := NewUnreadCoordinator(func(ctx context.Context, id string) error {
			marked = append(marked, id)
			return nil
		}, nil)

		u.OnInbound("conv-001")
		u.OnInbound("conv-001")
		u.Open(context.Background(), "conv-001")

		if got := u.Count("conv-001"); got != 0 {
			t.Fatalf("count = %d, want 0", got)
		}
		if len(marked) != 1 || marked[0] != "conv-001" {
			t.Fatalf("marked = %v, want [conv-001]", marked)
		}
	})

	t.Run("mark-read failure keeps local zero", func(t *testing.T) {
		u := NewUnreadCoordinator(func(ctx context.Context, id string) error {
			return errors.New("network down")
		}, nil)

		u.OnInbound("conv-001")
		u.Open(context.Background(), "conv-001")

		if got := u.Count("conv-001"); got != 0 {
			t.Fatalf("count = %d, want 0", got)
		}
		if u.Active() != "conv-001" {
			t.Fatalf("active = %q, want conv-001", u.Active())
		}
	})
}

func TestUnreadApplySnapshot(t *testing.T) {
	t.Run("overwrites rather than adds", func(t *testing.T) {
		u := NewUnreadCoordinator(nil, nil)
		u.OnInbound("conv-001")
		u.OnInbound("conv-001")

		// The backend already counted the same messages. Applying its
		// snapshot must not stack on the locally derived count.
		u.ApplySnapshot(map[string]int{"conv-001": 2})
		if got := u.Count("conv-001"); got != 2 {
			t.Fatalf("count = %d, want 2", got)
		}
	})

	t.Run("active conversation pinned to zero", func(t *testing.T) {
		u := NewUnreadCoordinator(nil, nil)
		u.Open(context.Background(), "conv-001")
		u.ApplySnapshot(map[string]int{"conv-001": 7, "conv-002": 3})
		if got := u.Count("conv-001"); got != 0 {
			t.Fatalf("active count = %d, want 0", got)
		}
		if got := u.Count("conv-002"); got != 3 {
			t.Fatalf("count = %d, want 3", got)
		}
	})

	t.Run("unmentioned conversations keep their counts", func(t *testing.T) {
		u := NewUnreadCoordinator(nil, nil)
		u.OnInbound("conv-003")
		u.ApplySnapshot(map[string]int{"conv-001": 1})
		if got := u.Count("conv-003"); got != 1 {
			t.Fatalf("count = %d, want 1", got)
		}
	})
}

func TestUnreadConcurrentInbound(t *testing.T) {
	u := NewUnreadCoordinator(nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u.OnInbound("conv-001")
		}()
	}
	wg.Wait()

	if got := u.Count("conv-001"); got != 50 {
		t.Fatalf("count = %d, want 50", got)
	}
}
