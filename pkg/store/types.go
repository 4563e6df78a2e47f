// Package store is pith's embedded relational persistence layer: sessions,
// messages, memories with full-text recall, profiles, app state, and
// session summaries.
package store

import "time"

// MessageRole enumerates the roles a Message can carry.
type MessageRole string

const (
	RoleUser          MessageRole = "user"
	RoleAssistant     MessageRole = "assistant"
	RoleToolRequest   MessageRole = "tool_request"
	RoleToolResult    MessageRole = "tool_result"
	RoleSystemInject  MessageRole = "system-injected"
)

// Session is a single ongoing conversation with the one user this process
// serves.
type Session struct {
	ID               string
	CreatedAt        time.Time
	LastActivityAt   time.Time
	CompactionCursor string // id of the last Message covered by a SessionSummary
}

// Message is one append-only entry in a session's transcript.
type Message struct {
	ID            string
	SessionID     string
	Role          MessageRole
	Text          string
	ToolName      string
	ToolCallID    string
	ToolArgs      string // json
	ToolResult    string
	TokenEstimate int
	CreatedAt     time.Time
}

// MemoryEntryKind classifies a MemoryEntry's durability.
type MemoryEntryKind string

const (
	MemoryDurable  MemoryEntryKind = "durable"
	MemoryEpisodic MemoryEntryKind = "episodic"
)

// MemoryEntry is one recallable fact or observation.
type MemoryEntry struct {
	ID        string
	Text      string
	Kind      MemoryEntryKind
	Tags      []string
	Source    string
	CreatedAt time.Time
	UpdatedAt time.Time
	Deleted   bool
}

// MemoryHit is a MemoryEntry annotated with its retrieval score.
type MemoryHit struct {
	MemoryEntry
	Score float64
}

// AgentProfile holds the agent's own required and free-form identity
// fields. Required fields: Name, Nature, Vibe, Emoji.
type AgentProfile struct {
	Name  string
	Nature string
	Vibe  string
	Emoji string
	Notes string
}

func (p AgentProfile) requiredComplete() bool {
	return p.Name != "" && p.Nature != "" && p.Vibe != "" && p.Emoji != ""
}

// UserProfile holds the single operator's identity fields. Required
// fields: Name, PreferredAddress, Timezone.
type UserProfile struct {
	Name             string
	PreferredAddress string
	Timezone         string
	Notes            string
}

func (p UserProfile) requiredComplete() bool {
	return p.Name != "" && p.PreferredAddress != "" && p.Timezone != ""
}

// ProfilesComplete reports whether every required field of both profiles
// is populated (data-model invariant 4).
func ProfilesComplete(agent AgentProfile, user UserProfile) bool {
	return agent.requiredComplete() && user.requiredComplete()
}

// SessionSummary is the durable record of a compacted message range.
type SessionSummary struct {
	ID          string
	SessionID   string
	FromMsgID   string
	ToMsgID     string
	SummaryText string
	CreatedAt   time.Time
}

// ToolInvocationLog records one tool invocation for audit/status reporting.
type ToolInvocationLog struct {
	ID         string
	SessionID  string
	ToolName   string
	ArgsJSON   string
	OK         bool
	DurationMS int64
	CreatedAt  time.Time
}

// RemoteServerHealth tracks the last known reachability of one configured
// MCP server.
type RemoteServerHealth struct {
	Name        string
	LastChecked time.Time
	Reachable   bool
	LastError   string
}

// AppState keys used by the runtime; values are stored as strings and
// parsed by each caller (the store has no typed accessors).
const (
	AppStateBootstrapComplete = "bootstrap_complete"
	AppStateBootstrapVersion  = "bootstrap_version"
)
