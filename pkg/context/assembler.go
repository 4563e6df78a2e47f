// Package context assembles the per-turn prompt inputs: system prompt
// selection (bootstrap vs. normal), persona injection, profile summary,
// top-K memory recall, and the recent message window, all sized against a
// configured token budget with a defined overflow-reduction order.
package context

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pithrun/pith/pkg/errkind"
	"github.com/pithrun/pith/pkg/logging"
	"github.com/pithrun/pith/pkg/store"
)

const (
	minWindowMessages = 4
	minMemoryTopK     = 1
	// approxCharsPerToken is a crude but stable token estimator; the exact
	// tokenizer used by the configured Model is not knowable ahead of a
	// provider round trip, so budget checks are conservative.
	approxCharsPerToken = 4
)

const bootstrapSystemPrompt = `You are pith, an agent that is still getting to know its operator.
Your AgentProfile and the operator's UserProfile are incomplete. Your first
priority in this conversation is to naturally elicit the missing required
fields (agent: name, nature, vibe, emoji; user: name, preferred_address,
timezone) and record them with the set_profile tool as soon as you learn
them. Do not interrogate the user with a form; have a conversation.`

const normalSystemPrompt = `You are pith, a self-extending conversational agent.
You may read and write files in your workspace, save and recall memories,
and author new tools for yourself under extensions/tools when a
capability would be useful again.`

// Assembler produces Context Assembler output for one turn.
type Assembler struct {
	st        store.Store
	workspace string
	window    int
	topK      int
	budget    int // approximate tokens

	mu               sync.Mutex
	lastAssembledIDs []string
}

// NewAssembler constructs an Assembler. budgetTokens is the total prompt
// token budget; window and topK are the configured defaults from
// runtime.context.
func NewAssembler(st store.Store, workspace string, window, topK, budgetTokens int) *Assembler {
	if window <= 0 {
		window = 40
	}
	if topK <= 0 {
		topK = 5
	}
	if budgetTokens <= 0 {
		budgetTokens = 32000
	}
	return &Assembler{st: st, workspace: workspace, window: window, topK: topK, budget: budgetTokens}
}

// Frame is one prompt-shaped piece of context, in emission order.
type Frame struct {
	Role string
	Text string
}

// Assembled is the Context Assembler's output for one turn.
type Assembled struct {
	SystemPrompt string
	Frames       []Frame
	MemoryIDs    []string
}

// LastAssembledMemoryIDs returns the memory ids injected by the most recent
// Assemble call, a test hook for scenario S6.
func (a *Assembler) LastAssembledMemoryIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.lastAssembledIDs...)
}

func estimateTokens(s string) int {
	return (len(s) + approxCharsPerToken - 1) / approxCharsPerToken
}

func (f Frame) tokens() int { return estimateTokens(f.Text) }

// Assemble runs the full pipeline for sessionID and userText. excludeMsgID,
// if non-empty, is the id of the new user message already persisted to the
// store by the caller; it is dropped from the recent window so the new user
// text appears exactly once, as the final frame, rather than also surfacing
// from the window.
func (a *Assembler) Assemble(ctx context.Context, sessionID, userText, excludeMsgID string) (Assembled, error) {
	agent, err := a.st.GetAgentProfile(ctx)
	if err != nil {
		return Assembled{}, err
	}
	user, err := a.st.GetUserProfile(ctx)
	if err != nil {
		return Assembled{}, err
	}
	bootstrapVal, _, err := a.st.GetAppState(ctx, store.AppStateBootstrapComplete)
	if err != nil {
		return Assembled{}, err
	}
	inBootstrap := bootstrapVal != "true" || !store.ProfilesComplete(agent, user)

	systemPrompt := normalSystemPrompt
	if inBootstrap {
		systemPrompt = bootstrapSystemPrompt
	}

	personaFrame := a.loadPersona()
	profileFrame := Frame{Role: "system", Text: renderProfileSummary(agent, user)}

	topK := a.topK
	memHits, err := a.st.SearchMemory(ctx, userText, topK, 0.1)
	if err != nil {
		return Assembled{}, err
	}
	memHits = dedupeByID(memHits)
	memFrames := make([]Frame, 0, len(memHits))
	memIDs := make([]string, 0, len(memHits))
	for _, h := range memHits {
		memFrames = append(memFrames, Frame{Role: "system", Text: fmt.Sprintf("[memory %s source=%s] %s", h.ID, h.Source, h.Text)})
		memIDs = append(memIDs, h.ID)
	}
	logging.Audit("memory_retrieval", map[string]interface{}{"session_id": sessionID, "top_k": topK, "hit_ids": memIDs})

	window := a.window
	windowFrames, err := a.recentWindow(ctx, sessionID, window, excludeMsgID)
	if err != nil {
		return Assembled{}, err
	}

	userFrame := Frame{Role: "user", Text: userText}

	fixed := []Frame{personaFrame, profileFrame}
	fixedTokens := estimateTokens(systemPrompt)
	for _, f := range fixed {
		fixedTokens += f.tokens()
	}
	fixedTokens += userFrame.tokens()

	// Reduction order: window shrinks first, then K, then persona/profile
	// stay put unless even the floor overflows.
	for {
		total := fixedTokens + sumTokens(memFrames) + sumTokens(windowFrames)
		if total <= a.budget {
			break
		}
		if len(windowFrames) > minWindowMessages {
			shrinkTo := len(windowFrames) - 4
			if shrinkTo < minWindowMessages {
				shrinkTo = minWindowMessages
			}
			windowFrames = windowFrames[len(windowFrames)-shrinkTo:]
			continue
		}
		if len(memFrames) > minMemoryTopK {
			memFrames = memFrames[:len(memFrames)-1]
			memIDs = memIDs[:len(memIDs)-1]
			continue
		}
		return Assembled{}, &errkind.ContextOverflow{Detail: fmt.Sprintf("cannot fit minimum context within %d token budget", a.budget)}
	}

	frames := make([]Frame, 0, 2+len(memFrames)+len(windowFrames)+1)
	frames = append(frames, personaFrame, profileFrame)
	frames = append(frames, memFrames...)
	frames = append(frames, windowFrames...)
	frames = append(frames, userFrame)

	a.mu.Lock()
	a.lastAssembledIDs = memIDs
	a.mu.Unlock()

	return Assembled{SystemPrompt: systemPrompt, Frames: frames, MemoryIDs: memIDs}, nil
}

func sumTokens(frames []Frame) int {
	total := 0
	for _, f := range frames {
		total += f.tokens()
	}
	return total
}

func dedupeByID(hits []store.MemoryHit) []store.MemoryHit {
	seen := map[string]bool{}
	out := hits[:0:0]
	for _, h := range hits {
		if seen[h.ID] {
			continue
		}
		seen[h.ID] = true
		out = append(out, h)
	}
	return out
}

func (a *Assembler) loadPersona() Frame {
	path := filepath.Join(a.workspace, "SOUL.md")
	data, err := os.ReadFile(path)
	if err != nil {
		return Frame{Role: "system", Text: ""}
	}
	return Frame{Role: "system", Text: strings.TrimSpace(string(data))}
}

func renderProfileSummary(agent store.AgentProfile, user store.UserProfile) string {
	var b strings.Builder
	b.WriteString("Agent profile: ")
	fmt.Fprintf(&b, "name=%q nature=%q vibe=%q emoji=%q", agent.Name, agent.Nature, agent.Vibe, agent.Emoji)
	if agent.Notes != "" {
		fmt.Fprintf(&b, " notes=%q", agent.Notes)
	}
	b.WriteString("\nUser profile: ")
	fmt.Fprintf(&b, "name=%q preferred_address=%q timezone=%q", user.Name, user.PreferredAddress, user.Timezone)
	if user.Notes != "" {
		fmt.Fprintf(&b, " notes=%q", user.Notes)
	}
	return b.String()
}

// recentWindow returns the last `window` messages not already covered by a
// SessionSummary, oldest first, represented as prompt Frames. Summarised
// ranges are represented by their SessionSummary text instead. excludeMsgID,
// if non-empty, is dropped from the result so a message the caller has
// already turned into its own frame is not also surfaced by the window.
func (a *Assembler) recentWindow(ctx context.Context, sessionID string, window int, excludeMsgID string) ([]Frame, error) {
	sess, err := a.st.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var msgs []store.Message
	if sess.CompactionCursor != "" {
		msgs, err = a.st.ListMessagesAfter(ctx, sessionID, sess.CompactionCursor)
	} else {
		msgs, err = a.st.ListMessages(ctx, sessionID, "", 0)
	}
	if err != nil {
		return nil, err
	}
	if excludeMsgID != "" {
		filtered := msgs[:0:0]
		for _, m := range msgs {
			if m.ID == excludeMsgID {
				continue
			}
			filtered = append(filtered, m)
		}
		msgs = filtered
	}
	if len(msgs) > window {
		msgs = msgs[len(msgs)-window:]
	}

	frames := make([]Frame, 0, len(msgs)+1)
	if sess.CompactionCursor != "" {
		summaries, err := a.st.ListSummaries(ctx, sessionID)
		if err == nil {
			for _, s := range summaries {
				frames = append(frames, Frame{Role: "system", Text: "Earlier conversation summary: " + s.SummaryText})
			}
		}
	}
	for _, m := range msgs {
		frames = append(frames, messageToFrame(m))
	}
	return frames, nil
}

func messageToFrame(m store.Message) Frame {
	switch m.Role {
	case store.RoleUser:
		return Frame{Role: "user", Text: m.Text}
	case store.RoleAssistant:
		return Frame{Role: "assistant", Text: m.Text}
	case store.RoleToolRequest:
		return Frame{Role: "assistant", Text: fmt.Sprintf("[called %s with %s]", m.ToolName, m.ToolArgs)}
	case store.RoleToolResult:
		return Frame{Role: "tool", Text: fmt.Sprintf("[%s result] %s", m.ToolName, m.ToolResult)}
	default:
		return Frame{Role: "system", Text: m.Text}
	}
}
