package context

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pithrun/pith/pkg/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestAssemble_UsesBootstrapPromptWhenProfilesIncomplete(t *testing.T) {
	st := newTestStore(t)
	ws := t.TempDir()
	a := NewAssembler(st, ws, 40, 5, 32000)

	sess, err := st.NewSession(context.Background())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	out, err := a.Assemble(context.Background(), sess.ID, "hello", "")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !strings.Contains(out.SystemPrompt, "elicit") {
		t.Fatalf("expected bootstrap system prompt, got %q", out.SystemPrompt)
	}
}

func TestAssemble_UsesNormalPromptWhenProfilesComplete(t *testing.T) {
	st := newTestStore(t)
	ws := t.TempDir()
	ctx := context.Background()

	if err := st.SetAgentProfile(ctx, store.AgentProfile{Name: "Pip", Nature: "curious", Vibe: "warm", Emoji: "🌱"}); err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	if err := st.SetUserProfile(ctx, store.UserProfile{Name: "Ada", PreferredAddress: "Ada", Timezone: "UTC"}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if err := st.SetAppState(ctx, store.AppStateBootstrapComplete, "true"); err != nil {
		t.Fatalf("seed app state: %v", err)
	}

	sess, err := st.NewSession(ctx)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	a := NewAssembler(st, ws, 40, 5, 32000)
	out, err := a.Assemble(ctx, sess.ID, "hello", "")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if strings.Contains(out.SystemPrompt, "elicit") {
		t.Fatalf("expected normal system prompt once bootstrapped, got %q", out.SystemPrompt)
	}
}

func TestAssemble_InjectsPersonaWhenPresent(t *testing.T) {
	st := newTestStore(t)
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "SOUL.md"), []byte("I am curious and gentle."), 0o644); err != nil {
		t.Fatalf("write persona: %v", err)
	}

	ctx := context.Background()
	sess, err := st.NewSession(ctx)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	a := NewAssembler(st, ws, 40, 5, 32000)
	out, err := a.Assemble(ctx, sess.ID, "hello", "")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	found := false
	for _, f := range out.Frames {
		if strings.Contains(f.Text, "curious and gentle") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected persona text among frames, got %+v", out.Frames)
	}
}

func TestAssemble_RecallsSavedMemoryAndRecordsTestHook(t *testing.T) {
	st := newTestStore(t)
	ws := t.TempDir()
	ctx := context.Background()

	saved, err := st.SaveMemory(ctx, store.MemoryEntry{ID: "mem-units", Text: "Ada prefers metric units", Kind: store.MemoryDurable})
	if err != nil {
		t.Fatalf("SaveMemory: %v", err)
	}

	sess, err := st.NewSession(ctx)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	a := NewAssembler(st, ws, 40, 5, 32000)
	out, err := a.Assemble(ctx, sess.ID, "what units should I use?", "")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	foundInFrames := false
	for _, f := range out.Frames {
		if strings.Contains(f.Text, "metric") {
			foundInFrames = true
		}
	}
	if !foundInFrames {
		t.Fatalf("expected metric-units memory injected into frames, got %+v", out.Frames)
	}

	hookIDs := a.LastAssembledMemoryIDs()
	found := false
	for _, id := range hookIDs {
		if id == saved.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected LastAssembledMemoryIDs to include %s, got %v", saved.ID, hookIDs)
	}
}

func TestAssemble_TinyBudgetOverflows(t *testing.T) {
	st := newTestStore(t)
	ws := t.TempDir()
	ctx := context.Background()
	sess, err := st.NewSession(ctx)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	a := NewAssembler(st, ws, 40, 5, 1)
	if _, err := a.Assemble(ctx, sess.ID, strings.Repeat("x", 4000), ""); err == nil {
		t.Fatalf("expected ContextOverflow with a 1-token budget and a large user message")
	}
}

func TestAssemble_ExcludesJustPersistedUserMessageFromWindow(t *testing.T) {
	st := newTestStore(t)
	ws := t.TempDir()
	ctx := context.Background()
	sess, err := st.NewSession(ctx)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	userText := "what is the capital of France?"
	msg, err := st.AppendMessage(ctx, store.Message{ID: "msg-just-appended", SessionID: sess.ID, Role: store.RoleUser, Text: userText})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	a := NewAssembler(st, ws, 40, 5, 32000)
	out, err := a.Assemble(ctx, sess.ID, userText, msg.ID)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	count := 0
	for _, f := range out.Frames {
		if f.Role == "user" && f.Text == userText {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected the new user message to appear exactly once, got %d occurrences in %+v", count, out.Frames)
	}
}
