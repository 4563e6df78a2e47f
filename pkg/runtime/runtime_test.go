package runtime

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/pithrun/pith/pkg/bus"
	pithcontext "github.com/pithrun/pith/pkg/context"
	"github.com/pithrun/pith/pkg/model"
	"github.com/pithrun/pith/pkg/store"
	"github.com/pithrun/pith/pkg/tools"
)

// scriptedModel replays a fixed sequence of responses, one per Stream call,
// so tests can drive multi-iteration tool loops deterministically.
type scriptedModel struct {
	calls     int
	responses [][]model.Delta
}

func (m *scriptedModel) Stream(ctx context.Context, req model.Request) (<-chan model.Delta, error) {
	idx := m.calls
	m.calls++
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	ch := make(chan model.Delta, len(m.responses[idx]))
	for _, d := range m.responses[idx] {
		ch <- d
	}
	close(ch)
	return ch, nil
}

func newRuntime(t *testing.T, mdl model.Model) (*Runtime, *store.SQLiteStore, *bus.EventBus, string) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	reg := tools.NewRegistry()
	if err := tools.RegisterMemoryTools(reg, st); err != nil {
		t.Fatalf("RegisterMemoryTools: %v", err)
	}
	if err := tools.RegisterProfileTool(reg, st); err != nil {
		t.Fatalf("RegisterProfileTool: %v", err)
	}

	asm := pithcontext.NewAssembler(st, t.TempDir(), 40, 5, 32000)
	evb := bus.NewEventBus()
	rt := New(st, reg, asm, mdl, evb, Config{MaxToolIterations: 4, TurnDeadline: 5 * time.Second, ModelTimeout: 5 * time.Second, ModelName: "test-model"})

	sess, err := st.NewSession(context.Background())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return rt, st, evb, sess.ID
}

func drain(t *testing.T, ch <-chan bus.Event, want bus.EventType, timeout time.Duration) bus.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", want)
		}
	}
}

func TestSubmitTurn_SimpleReplyEmitsTurnFinishedOK(t *testing.T) {
	mdl := &scriptedModel{responses: [][]model.Delta{
		{{TextDelta: "hi there"}, {Done: true}},
	}}
	rt, _, evb, sessID := newRuntime(t, mdl)
	ch, cancel := evb.Subscribe(sessID)
	defer cancel()

	if _, err := rt.SubmitTurn(sessID, "hello", 0); err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}

	drain(t, ch, bus.EventTurnStarted, 2*time.Second)
	fin := drain(t, ch, bus.EventTurnFinished, 2*time.Second)
	if fin.Data["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", fin.Data)
	}
}

func TestSubmitTurn_SimpleReplyEmitsAssistantMessageWithID(t *testing.T) {
	mdl := &scriptedModel{responses: [][]model.Delta{
		{{TextDelta: "hi there"}, {Done: true}},
	}}
	rt, st, evb, sessID := newRuntime(t, mdl)
	ch, cancel := evb.Subscribe(sessID)
	defer cancel()

	if _, err := rt.SubmitTurn(sessID, "hello", 0); err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}

	drain(t, ch, bus.EventTurnStarted, 2*time.Second)
	msgEvent := drain(t, ch, bus.EventAssistantMessage, 2*time.Second)
	id, _ := msgEvent.Data["id"].(string)
	if id == "" {
		t.Fatalf("expected a non-empty message id in assistant_message, got %v", msgEvent.Data)
	}
	if msgEvent.Data["text"] != "hi there" {
		t.Fatalf("expected assistant_message text to match reply, got %v", msgEvent.Data)
	}
	fin := drain(t, ch, bus.EventTurnFinished, 2*time.Second)
	if fin.Data["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", fin.Data)
	}

	msgs, err := st.ListMessages(context.Background(), sessID, "", 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	found := false
	for _, m := range msgs {
		if m.ID == id && m.Text == "hi there" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the assistant_message id to reference a persisted message, got %+v", msgs)
	}
}

// slowModel never delivers a delta before ctx is cancelled, simulating a
// model call that outlives the turn deadline. It reports the cancellation
// through Delta.Err, the way a real streaming client would surface a
// context error mid-response.
type slowModel struct{ delay time.Duration }

func (m *slowModel) Stream(ctx context.Context, req model.Request) (<-chan model.Delta, error) {
	ch := make(chan model.Delta, 1)
	go func() {
		defer close(ch)
		select {
		case <-time.After(m.delay):
			ch <- model.Delta{TextDelta: "too slow to matter"}
			ch <- model.Delta{Done: true}
		case <-ctx.Done():
			ch <- model.Delta{Err: ctx.Err()}
		}
	}()
	return ch, nil
}

func TestSubmitTurn_DeadlineDuringStreamEndsWithTimeoutStatus(t *testing.T) {
	mdl := &slowModel{delay: 5 * time.Second}
	rt, _, evb, sessID := newRuntime(t, mdl)
	ch, cancel := evb.Subscribe(sessID)
	defer cancel()

	if _, err := rt.SubmitTurn(sessID, "hello", 100*time.Millisecond); err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}

	drain(t, ch, bus.EventTurnStarted, 2*time.Second)
	fin := drain(t, ch, bus.EventTurnFinished, 3*time.Second)
	if fin.Data["status"] != "timeout" {
		t.Fatalf("expected status timeout when the deadline expires mid-stream, got %v", fin.Data)
	}
}

func TestSubmitTurn_ConcurrentSubmissionIsBusy(t *testing.T) {
	block := make(chan struct{})
	mdl := &blockingModel{block: block}
	rt, _, _, sessID := newRuntime(t, mdl)

	if _, err := rt.SubmitTurn(sessID, "hello", 5*time.Second); err != nil {
		t.Fatalf("first SubmitTurn: %v", err)
	}
	// give the goroutine a moment to acquire the lock
	time.Sleep(50 * time.Millisecond)

	if _, err := rt.SubmitTurn(sessID, "again", 5*time.Second); err == nil {
		t.Fatalf("expected Busy on concurrent submission")
	}
	close(block)
}

// blockingModel never returns a Delta until block is closed, letting tests
// hold a session lock open deterministically.
type blockingModel struct{ block chan struct{} }

func (m *blockingModel) Stream(ctx context.Context, req model.Request) (<-chan model.Delta, error) {
	ch := make(chan model.Delta)
	go func() {
		defer close(ch)
		select {
		case <-m.block:
			ch <- model.Delta{TextDelta: "ok"}
			ch <- model.Delta{Done: true}
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func TestSubmitTurn_ToolCallLoopInvokesRegisteredTool(t *testing.T) {
	args, _ := json.Marshal(map[string]interface{}{"text": "remember this", "kind": "durable"})
	mdl := &scriptedModel{responses: [][]model.Delta{
		{
			{ToolCalls: []model.ToolCall{{ID: "call-1", Name: "memory_save", Arguments: string(args)}}, Done: true},
		},
		{
			{TextDelta: "saved it"}, {Done: true},
		},
	}}
	rt, _, evb, sessID := newRuntime(t, mdl)
	ch, cancel := evb.Subscribe(sessID)
	defer cancel()

	if _, err := rt.SubmitTurn(sessID, "please remember this", 0); err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}

	drain(t, ch, bus.EventTurnStarted, 2*time.Second)
	started := drain(t, ch, bus.EventToolCallStarted, 2*time.Second)
	if started.Data["name"] != "memory_save" {
		t.Fatalf("expected memory_save tool call, got %v", started.Data)
	}
	finishedTool := drain(t, ch, bus.EventToolCallFinished, 2*time.Second)
	if finishedTool.Data["ok"] != true {
		t.Fatalf("expected tool call to succeed, got %v", finishedTool.Data)
	}
	fin := drain(t, ch, bus.EventTurnFinished, 2*time.Second)
	if fin.Data["status"] != "ok" {
		t.Fatalf("expected status ok after tool loop, got %v", fin.Data)
	}
}

func TestSubmitTurn_ExceedsMaxIterationsCapsOut(t *testing.T) {
	args, _ := json.Marshal(map[string]interface{}{"query": "x"})
	loop := model.Delta{ToolCalls: []model.ToolCall{{ID: "c", Name: "memory_search", Arguments: string(args)}}, Done: true}
	responses := make([][]model.Delta, 0)
	for i := 0; i < 10; i++ {
		responses = append(responses, []model.Delta{loop})
	}
	mdl := &scriptedModel{responses: responses}
	rt, _, evb, sessID := newRuntime(t, mdl)
	rt.cfg.MaxToolIterations = 2
	ch, cancel := evb.Subscribe(sessID)
	defer cancel()

	if _, err := rt.SubmitTurn(sessID, "loop forever", 0); err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}

	drain(t, ch, bus.EventTurnStarted, 2*time.Second)
	fin := drain(t, ch, bus.EventTurnFinished, 3*time.Second)
	if fin.Data["status"] != "tool_loop_cap" {
		t.Fatalf("expected tool_loop_cap status, got %v", fin.Data)
	}
}

func TestSlashCommandInfoBypassesModel(t *testing.T) {
	mdl := &scriptedModel{}
	rt, _, evb, sessID := newRuntime(t, mdl)
	ch, cancel := evb.Subscribe(sessID)
	defer cancel()

	if _, err := rt.SubmitTurn(sessID, "/info", 0); err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}
	drain(t, ch, bus.EventTurnStarted, 2*time.Second)
	fin := drain(t, ch, bus.EventTurnFinished, 2*time.Second)
	if fin.Data["status"] != "ok" {
		t.Fatalf("expected ok, got %v", fin.Data)
	}
	if mdl.calls != 0 {
		t.Fatalf("expected /info to bypass the model entirely, got %d calls", mdl.calls)
	}
}

func TestCompactSession_NoOpOnShortSession(t *testing.T) {
	mdl := &scriptedModel{}
	rt, _, _, sessID := newRuntime(t, mdl)
	if err := rt.CompactSession(context.Background(), sessID); err != nil {
		t.Fatalf("CompactSession on a near-empty session should no-op, got: %v", err)
	}
}
