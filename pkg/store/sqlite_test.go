package store

import (
	"context"
	"path/filepath"
	"testing"
)

func TestSQLiteStore_MessageOrdering(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "memory.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	sess, err := s.NewSession(ctx)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := s.AppendMessage(ctx, Message{SessionID: sess.ID, Role: RoleUser, Text: "m"}); err != nil {
			t.Fatalf("append message %d: %v", i, err)
		}
	}

	msgs, err := s.ListMessages(ctx, sess.ID, "", 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("messages out of order at %d", i)
		}
	}
}

func TestSQLiteStore_SearchMemoryExcludesDeleted(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "memory.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	e1, err := s.SaveMemory(ctx, MemoryEntry{Text: "Ada prefers metric units", Kind: MemoryDurable})
	if err != nil {
		t.Fatalf("save memory: %v", err)
	}
	if _, err := s.SaveMemory(ctx, MemoryEntry{Text: "unrelated fact about pastries", Kind: MemoryDurable}); err != nil {
		t.Fatalf("save memory 2: %v", err)
	}

	hits, err := s.SearchMemory(ctx, "metric", 5, 0.1)
	if err != nil {
		t.Fatalf("search memory: %v", err)
	}
	if len(hits) == 0 || hits[0].ID != e1.ID {
		t.Fatalf("expected top hit %s, got %#v", e1.ID, hits)
	}

	if err := s.SoftDeleteMemory(ctx, e1.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	hits, err = s.SearchMemory(ctx, "metric", 5, 0.1)
	if err != nil {
		t.Fatalf("search memory after delete: %v", err)
	}
	for _, h := range hits {
		if h.ID == e1.ID {
			t.Fatalf("deleted memory %s still returned by search", e1.ID)
		}
	}
}

func TestSQLiteStore_ProfilesCompleteFlipsOnce(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "memory.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	agent, _ := s.GetAgentProfile(ctx)
	user, _ := s.GetUserProfile(ctx)
	if ProfilesComplete(agent, user) {
		t.Fatalf("expected incomplete profiles on fresh store")
	}

	if err := s.SetAgentProfile(ctx, AgentProfile{Name: "Pith", Nature: "helpful", Vibe: "calm", Emoji: "🌱"}); err != nil {
		t.Fatalf("set agent profile: %v", err)
	}
	if err := s.SetUserProfile(ctx, UserProfile{Name: "Ada", PreferredAddress: "Ada", Timezone: "UTC"}); err != nil {
		t.Fatalf("set user profile: %v", err)
	}

	agent, _ = s.GetAgentProfile(ctx)
	user, _ = s.GetUserProfile(ctx)
	if !ProfilesComplete(agent, user) {
		t.Fatalf("expected complete profiles after setting required fields")
	}
}

func TestSQLiteStore_RestartPreservesState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "memory.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sess, _ := s1.NewSession(ctx)
	_, _ = s1.AppendMessage(ctx, Message{SessionID: sess.ID, Role: RoleUser, Text: "hello"})
	_ = s1.SetAppState(ctx, AppStateBootstrapComplete, "true")
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	msgs, err := s2.ListMessages(ctx, sess.ID, "", 0)
	if err != nil {
		t.Fatalf("list messages after reopen: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected message to survive restart, got %d", len(msgs))
	}
	v, ok, err := s2.GetAppState(ctx, AppStateBootstrapComplete)
	if err != nil || !ok || v != "true" {
		t.Fatalf("expected bootstrap_complete to survive restart, got %q ok=%v err=%v", v, ok, err)
	}
}
