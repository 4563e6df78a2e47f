// pith - a self-extending conversational agent runtime
// License: MIT
//
// Copyright (c) 2026 pith contributors

// Package runtime is the Turn Orchestrator: it runs one turn end to end
// (context assembly, streamed model call, tool-call dispatch loop,
// persistence, event emission) with per-session serialization.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithrun/pith/pkg/bus"
	pithcontext "github.com/pithrun/pith/pkg/context"
	"github.com/pithrun/pith/pkg/errkind"
	"github.com/pithrun/pith/pkg/logging"
	"github.com/pithrun/pith/pkg/model"
	"github.com/pithrun/pith/pkg/store"
	"github.com/pithrun/pith/pkg/tools"
)

// Config bundles the operator-tunable knobs the orchestrator reads at
// construction time; it is copied from config.RuntimeConfig by the caller
// so this package never imports pkg/config directly.
type Config struct {
	MaxToolIterations int
	TurnDeadline      time.Duration
	ModelTimeout      time.Duration
	ToolTimeout       time.Duration
	Temperature       float64
	ModelName         string
}

// Runtime is the single owned orchestration value for the process.
type Runtime struct {
	st        store.Store
	registry  *tools.Registry
	assembler *pithcontext.Assembler
	mdl       model.Model
	events    *bus.EventBus
	cfg       Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs a Runtime from its already-built dependencies.
func New(st store.Store, registry *tools.Registry, assembler *pithcontext.Assembler, mdl model.Model, events *bus.EventBus, cfg Config) *Runtime {
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = 16
	}
	if cfg.TurnDeadline <= 0 {
		cfg.TurnDeadline = 300 * time.Second
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = 120 * time.Second
	}
	return &Runtime{
		st:        st,
		registry:  registry,
		assembler: assembler,
		mdl:       mdl,
		events:    events,
		cfg:       cfg,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (r *Runtime) sessionLock(sessionID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[sessionID] = l
	}
	return l
}

// NewSession allocates a fresh session and returns its id.
func (r *Runtime) NewSession(ctx context.Context) (string, error) {
	sess, err := r.st.NewSession(ctx)
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}

// SubmitTurn acquires sessionID's lock, hands the turn to a background
// goroutine, and returns the allocated turn id immediately. A concurrent
// submission on the same session that cannot acquire the lock returns Busy
// (testable property 7).
func (r *Runtime) SubmitTurn(sessionID, userText string, deadline time.Duration) (string, error) {
	lock := r.sessionLock(sessionID)
	if !lock.TryLock() {
		return "", &errkind.Busy{SessionID: sessionID}
	}
	turnID := "turn-" + uuid.NewString()
	if deadline <= 0 {
		deadline = r.cfg.TurnDeadline
	}
	go func() {
		defer lock.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), deadline)
		defer cancel()
		r.runTurn(ctx, sessionID, turnID, userText)
	}()
	return turnID, nil
}

// CompactSession summarises the oldest un-summarised contiguous range and
// persists a SessionSummary, serialised behind the same per-session lock as
// turns.
func (r *Runtime) CompactSession(ctx context.Context, sessionID string) error {
	lock := r.sessionLock(sessionID)
	if !lock.TryLock() {
		return &errkind.Busy{SessionID: sessionID}
	}
	defer lock.Unlock()
	return r.compact(ctx, sessionID)
}

// InfoSession synthesises a status message for the /info command.
func (r *Runtime) InfoSession(ctx context.Context, sessionID string) (string, error) {
	sess, err := r.st.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	msgs, err := r.st.ListMessages(ctx, sessionID, "", 0)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("session %s: %d messages, created %s, last activity %s, %d tools registered",
		sess.ID, len(msgs), sess.CreatedAt.Format(time.RFC3339), sess.LastActivityAt.Format(time.RFC3339), r.registry.Count()), nil
}

func (r *Runtime) publish(sessionID, turnID string, typ bus.EventType, data map[string]interface{}) {
	r.events.Publish(bus.Event{Type: typ, SessionID: sessionID, TurnID: turnID, Data: data})
	switch typ {
	case bus.EventTurnFinished:
		logging.Audit("turn", mergeAuditFields(sessionID, turnID, data))
	case bus.EventToolCallFinished:
		logging.Audit("tool_call", mergeAuditFields(sessionID, turnID, data))
	}
}

func mergeAuditFields(sessionID, turnID string, data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data)+2)
	out["session_id"] = sessionID
	out["turn_id"] = turnID
	for k, v := range data {
		out[k] = v
	}
	return out
}

func (r *Runtime) runTurn(ctx context.Context, sessionID, turnID, userText string) {
	switch cmd := parseSlashCommand(userText); cmd {
	case "new":
		r.publish(sessionID, turnID, bus.EventTurnStarted, map[string]interface{}{"command": "new"})
		newID, err := r.NewSession(ctx)
		if err != nil {
			r.publish(sessionID, turnID, bus.EventTurnFinished, map[string]interface{}{"status": "error", "detail": err.Error()})
			return
		}
		r.publish(sessionID, turnID, bus.EventTurnFinished, map[string]interface{}{"status": "ok", "new_session_id": newID})
		return
	case "compact":
		r.publish(sessionID, turnID, bus.EventTurnStarted, map[string]interface{}{"command": "compact"})
		if err := r.compact(ctx, sessionID); err != nil {
			r.publish(sessionID, turnID, bus.EventTurnFinished, map[string]interface{}{"status": "error", "detail": err.Error()})
			return
		}
		r.publish(sessionID, turnID, bus.EventTurnFinished, map[string]interface{}{"status": "ok"})
		return
	case "info":
		r.publish(sessionID, turnID, bus.EventTurnStarted, map[string]interface{}{"command": "info"})
		info, err := r.InfoSession(ctx, sessionID)
		if err != nil {
			r.publish(sessionID, turnID, bus.EventTurnFinished, map[string]interface{}{"status": "error", "detail": err.Error()})
			return
		}
		r.publish(sessionID, turnID, bus.EventTurnFinished, map[string]interface{}{"status": "ok", "info": info})
		return
	}

	userMsgID := "msg-" + uuid.NewString()
	r.publish(sessionID, turnID, bus.EventTurnStarted, map[string]interface{}{"session_id": sessionID, "message_id_to_be": userMsgID})

	if _, err := r.st.AppendMessage(ctx, store.Message{
		ID:        userMsgID,
		SessionID: sessionID,
		Role:      store.RoleUser,
		Text:      userText,
		CreatedAt: time.Now(),
	}); err != nil {
		r.finishError(sessionID, turnID, string(errkind.ToolExecution), err.Error())
		return
	}
	_ = r.st.TouchSession(ctx, sessionID)

	assembled, err := r.assembler.Assemble(ctx, sessionID, userText, userMsgID)
	if err != nil {
		r.finishError(sessionID, turnID, "context_overflow", err.Error())
		return
	}

	messages := toModelMessages(assembled)
	profileWritten := false

	for iteration := 0; ; iteration++ {
		if iteration > r.cfg.MaxToolIterations {
			capText := "I've hit my tool-call limit for this turn and need to stop here."
			capID := r.persistAssistant(ctx, sessionID, capText)
			r.publish(sessionID, turnID, bus.EventAssistantMessage, map[string]interface{}{"id": capID, "text": capText})
			r.publish(sessionID, turnID, bus.EventTurnFinished, map[string]interface{}{"status": "tool_loop_cap"})
			r.maybeFlipBootstrap(ctx, sessionID, profileWritten)
			return
		}

		select {
		case <-ctx.Done():
			r.handleTimeout(sessionID, turnID)
			r.maybeFlipBootstrap(context.Background(), sessionID, profileWritten)
			return
		default:
		}

		req := model.Request{
			Model:       r.cfg.ModelName,
			Messages:    messages,
			Tools:       toolSchemas(r.registry),
			Temperature: r.cfg.Temperature,
		}
		assistantText, toolCalls, err := r.streamWithRetry(ctx, sessionID, turnID, req)
		if err != nil {
			if ctx.Err() != nil {
				r.handleTimeout(sessionID, turnID)
				r.maybeFlipBootstrap(context.Background(), sessionID, profileWritten)
				return
			}
			r.finishError(sessionID, turnID, "model_error", err.Error())
			r.maybeFlipBootstrap(ctx, sessionID, profileWritten)
			return
		}

		if len(toolCalls) == 0 {
			msgID := r.persistAssistant(ctx, sessionID, assistantText)
			r.publish(sessionID, turnID, bus.EventAssistantMessage, map[string]interface{}{"id": msgID, "text": assistantText})
			r.publish(sessionID, turnID, bus.EventTurnFinished, map[string]interface{}{"status": "ok"})
			r.maybeFlipBootstrap(ctx, sessionID, profileWritten)
			return
		}

		messages = append(messages, model.Message{Role: "assistant", Content: assistantText, ToolCalls: toolCalls})

		for _, tc := range toolCalls {
			var args map[string]interface{}
			_ = json.Unmarshal([]byte(tc.Arguments), &args)

			if _, err := r.st.AppendMessage(ctx, store.Message{
				ID:         "msg-" + uuid.NewString(),
				SessionID:  sessionID,
				Role:       store.RoleToolRequest,
				ToolName:   tc.Name,
				ToolCallID: tc.ID,
				ToolArgs:   tc.Arguments,
				CreatedAt:  time.Now(),
			}); err != nil {
				logging.ErrorCF("runtime", "failed to persist tool_request", map[string]interface{}{"error": err.Error()})
			}
			r.publish(sessionID, turnID, bus.EventToolCallStarted, map[string]interface{}{
				"name":         tc.Name,
				"args_preview": tools.SanitizeArgs(args),
			})

			start := time.Now()
			res := r.registry.Invoke(ctx, tc.Name, args)
			duration := time.Since(start)

			resultText := res.Value
			if !res.OK {
				resultText = fmt.Sprintf("error: %s: %s", res.Kind, res.Detail)
			}
			if _, err := r.st.AppendMessage(ctx, store.Message{
				ID:         "msg-" + uuid.NewString(),
				SessionID:  sessionID,
				Role:       store.RoleToolResult,
				ToolName:   tc.Name,
				ToolCallID: tc.ID,
				ToolResult: resultText,
				CreatedAt:  time.Now(),
			}); err != nil {
				logging.ErrorCF("runtime", "failed to persist tool_result", map[string]interface{}{"error": err.Error()})
			}
			_ = r.st.LogToolInvocation(ctx, store.ToolInvocationLog{
				ID: "tlog-" + uuid.NewString(), SessionID: sessionID, ToolName: tc.Name,
				ArgsJSON: tools.ArgsJSON(args),
				OK:       res.OK, DurationMS: duration.Milliseconds(), CreatedAt: time.Now(),
			})
			r.publish(sessionID, turnID, bus.EventToolCallFinished, map[string]interface{}{
				"name": tc.Name, "ok": res.OK, "duration_ms": duration.Milliseconds(), "result_preview": truncate(resultText, 256),
			})

			if tc.Name == "set_profile" && res.OK {
				profileWritten = true
			}

			messages = append(messages, model.Message{Role: "tool", ToolCallID: tc.ID, ToolName: tc.Name, Content: resultText})
		}
	}
}

const maxModelAttempts = 3

// modelBackoff returns the delay before retry attempt n (0-indexed):
// 1s, 2s, 4s.
func modelBackoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

func isTransientModelErr(err error) bool {
	var merr *errkind.ModelError
	if errors.As(err, &merr) {
		return merr.Class == errkind.ModelErrorTransient
	}
	return false
}

// streamWithRetry opens a model stream and consumes its deltas, retrying
// the whole attempt up to maxModelAttempts times with exponential backoff
// when the failure (from Stream itself or from a mid-stream Delta.Err) is
// classified transient. A failed attempt's accumulated text is discarded
// and not used to build the final assistant message, though any deltas it
// already emitted before failing remain visible to subscribers.
func (r *Runtime) streamWithRetry(ctx context.Context, sessionID, turnID string, req model.Request) (string, []model.ToolCall, error) {
	var lastErr error
	for attempt := 0; attempt < maxModelAttempts; attempt++ {
		if attempt > 0 {
			logging.WarnCF("runtime", "retrying model call after transient error", map[string]interface{}{
				"attempt": attempt + 1,
				"error":   lastErr.Error(),
			})
			select {
			case <-time.After(modelBackoff(attempt - 1)):
			case <-ctx.Done():
				return "", nil, lastErr
			}
		}

		modelCtx, cancel := context.WithTimeout(ctx, r.cfg.ModelTimeout)
		deltas, err := r.mdl.Stream(modelCtx, req)
		if err != nil {
			cancel()
			lastErr = err
			if !isTransientModelErr(err) {
				return "", nil, err
			}
			continue
		}

		var textBuilder strings.Builder
		var toolCalls []model.ToolCall
		var streamErr error
		for d := range deltas {
			if d.Err != nil {
				streamErr = d.Err
				continue
			}
			if d.TextDelta != "" {
				textBuilder.WriteString(d.TextDelta)
				r.publish(sessionID, turnID, bus.EventAssistantDelta, map[string]interface{}{"text": d.TextDelta})
			}
			if d.Done {
				toolCalls = d.ToolCalls
			}
		}
		cancel()

		if streamErr != nil {
			lastErr = streamErr
			if !isTransientModelErr(streamErr) {
				return "", nil, streamErr
			}
			continue
		}

		return textBuilder.String(), toolCalls, nil
	}
	return "", nil, lastErr
}

func (r *Runtime) handleTimeout(sessionID, turnID string) {
	bg := context.Background()
	r.persistAssistant(bg, sessionID, "This turn took too long and was cancelled.")
	r.publish(sessionID, turnID, bus.EventTurnFinished, map[string]interface{}{"status": "timeout"})
}

func (r *Runtime) finishError(sessionID, turnID string, kind, detail string) {
	r.persistAssistant(context.Background(), sessionID, "Something went wrong handling that: "+detail)
	r.publish(sessionID, turnID, bus.EventTurnFinished, map[string]interface{}{"status": "error", "kind": kind, "detail": detail})
}

// persistAssistant appends an assistant message and returns its id, or ""
// if the append failed (already logged).
func (r *Runtime) persistAssistant(ctx context.Context, sessionID, text string) string {
	msg, err := r.st.AppendMessage(ctx, store.Message{
		ID:        "msg-" + uuid.NewString(),
		SessionID: sessionID,
		Role:      store.RoleAssistant,
		Text:      text,
		CreatedAt: time.Now(),
	})
	if err != nil {
		logging.ErrorCF("runtime", "failed to persist assistant message", map[string]interface{}{"error": err.Error()})
		return ""
	}
	return msg.ID
}

// maybeFlipBootstrap implements the one-way, idempotent bootstrap
// completion check that runs after any turn in which set_profile succeeded.
func (r *Runtime) maybeFlipBootstrap(ctx context.Context, sessionID string, profileWritten bool) {
	if !profileWritten {
		return
	}
	current, _, err := r.st.GetAppState(ctx, store.AppStateBootstrapComplete)
	if err != nil || current == "true" {
		return
	}
	agent, err := r.st.GetAgentProfile(ctx)
	if err != nil {
		return
	}
	user, err := r.st.GetUserProfile(ctx)
	if err != nil {
		return
	}
	if !store.ProfilesComplete(agent, user) {
		return
	}
	if err := r.st.SetAppState(ctx, store.AppStateBootstrapComplete, "true"); err != nil {
		logging.ErrorCF("runtime", "failed to flip bootstrap_complete", map[string]interface{}{"error": err.Error()})
		return
	}
	r.events.Publish(bus.Event{Type: "app_state_changed", SessionID: sessionID, Data: map[string]interface{}{"bootstrap_complete": true}})
}

func (r *Runtime) compact(ctx context.Context, sessionID string) error {
	sess, err := r.st.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	var msgs []store.Message
	if sess.CompactionCursor != "" {
		msgs, err = r.st.ListMessagesAfter(ctx, sessionID, sess.CompactionCursor)
	} else {
		msgs, err = r.st.ListMessages(ctx, sessionID, "", 0)
	}
	if err != nil {
		return err
	}
	if len(msgs) < 2 {
		return nil
	}

	var transcript strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&transcript, "[%s] %s\n", m.Role, m.Text)
	}
	req := model.Request{
		Model: r.cfg.ModelName,
		Messages: []model.Message{
			{Role: "system", Content: "Summarise the following conversation range concisely, preserving facts and decisions."},
			{Role: "user", Content: transcript.String()},
		},
	}
	modelCtx, cancel := context.WithTimeout(ctx, r.cfg.ModelTimeout)
	defer cancel()
	deltas, err := r.mdl.Stream(modelCtx, req)
	if err != nil {
		return err
	}
	var summary strings.Builder
	for d := range deltas {
		if d.Err != nil {
			return d.Err
		}
		summary.WriteString(d.TextDelta)
	}

	if _, err := r.st.AddSummary(ctx, store.SessionSummary{
		ID:          "summ-" + uuid.NewString(),
		SessionID:   sessionID,
		FromMsgID:   msgs[0].ID,
		ToMsgID:     msgs[len(msgs)-1].ID,
		SummaryText: summary.String(),
		CreatedAt:   time.Now(),
	}); err != nil {
		return err
	}
	return r.st.SetCompactionCursor(ctx, sessionID, msgs[len(msgs)-1].ID)
}

func parseSlashCommand(text string) string {
	t := strings.TrimSpace(text)
	switch t {
	case "/new":
		return "new"
	case "/compact":
		return "compact"
	case "/info":
		return "info"
	}
	return ""
}

func toModelMessages(a pithcontext.Assembled) []model.Message {
	out := make([]model.Message, 0, len(a.Frames)+1)
	out = append(out, model.Message{Role: "system", Content: a.SystemPrompt})
	for _, f := range a.Frames {
		out = append(out, model.Message{Role: f.Role, Content: f.Text})
	}
	return out
}

func toolSchemas(r *tools.Registry) []model.ToolSchema {
	descs := r.List()
	out := make([]model.ToolSchema, 0, len(descs))
	for _, d := range descs {
		out = append(out, model.ToolSchema{Name: d.Name, Description: d.Description, Parameters: d.JSONSchema()})
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
