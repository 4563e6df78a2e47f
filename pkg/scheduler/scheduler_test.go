package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pithrun/pith/pkg/store"
)

type countingCompactor struct{ calls atomic.Int32 }

func (c *countingCompactor) CompactSession(ctx context.Context, sessionID string) error {
	c.calls.Add(1)
	return nil
}

func TestScheduler_FiresCompactionAtMostOncePerMinute(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	sess, err := st.NewSession(context.Background())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := st.AppendMessage(context.Background(), store.Message{
			ID: fmt.Sprintf("msg-%d", i), SessionID: sess.ID, Role: store.RoleUser, Text: "hi",
		}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	compactor := &countingCompactor{}
	s := New(st, compactor, "* * * * *") // every minute, always due
	s.SetCompactionThreshold(2)
	now := time.Now()
	minuteKey := now.Format("2006-01-02T15:04")

	s.evaluate(context.Background())
	s.evaluate(context.Background())

	if got := compactor.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one compaction sweep within the same minute, got %d", got)
	}
	if s.lastFiredMinute["compaction"] != minuteKey {
		t.Fatalf("expected lastFiredMinute to record %s", minuteKey)
	}
}

func TestScheduler_SkipsSessionsBelowCompactionThreshold(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	sess, err := st.NewSession(context.Background())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if _, err := st.AppendMessage(context.Background(), store.Message{
		ID: "msg-0", SessionID: sess.ID, Role: store.RoleUser, Text: "hi",
	}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	compactor := &countingCompactor{}
	s := New(st, compactor, "* * * * *")
	s.SetCompactionThreshold(defaultCompactionThresholdMessages)

	s.evaluate(context.Background())

	if got := compactor.calls.Load(); got != 0 {
		t.Fatalf("expected the sweep to skip a session below the compaction threshold, got %d calls", got)
	}
}

func TestScheduler_MCPRefreshInvokedWhenDue(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	s := New(st, &countingCompactor{}, "")
	var fired atomic.Int32
	s.RegisterMCPRefresh("* * * * *", func(ctx context.Context) error {
		fired.Add(1)
		return nil
	})

	s.evaluate(context.Background())
	if fired.Load() != 1 {
		t.Fatalf("expected mcp refresh to fire once, got %d", fired.Load())
	}
}
