// Package channels adapts external chat surfaces (Discord, generic HTTP
// long-poll) onto the Turn Orchestrator: each Channel receives inbound
// messages, maps them onto a session, and calls Runtime.SubmitTurn,
// subscribing to the session's event bus to relay the reply back out.
package channels

import (
	"context"
	"strings"
	"time"
)

// Channel is the generic external-surface contract from the external
// interfaces section: connect, receive inbound messages, send outbound
// replies.
type Channel interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Send(ctx context.Context, chatID, text string) error
	IsRunning() bool
}

// TurnSubmitter is the subset of Runtime a Channel needs; kept as an
// interface so channels can be tested without a full Runtime.
type TurnSubmitter interface {
	SubmitTurn(sessionID, userText string, deadline time.Duration) (string, error)
	NewSession(ctx context.Context) (string, error)
}

// BaseChannel holds the allow-list and running-state bookkeeping shared by
// every concrete channel implementation.
type BaseChannel struct {
	name      string
	allowList []string
	running   bool
}

func NewBaseChannel(name string, allowList []string) *BaseChannel {
	return &BaseChannel{name: name, allowList: allowList}
}

func (c *BaseChannel) Name() string     { return c.name }
func (c *BaseChannel) IsRunning() bool  { return c.running }
func (c *BaseChannel) setRunning(v bool) { c.running = v }

// IsAllowed checks senderID (possibly a compound "id|username" form)
// against the configured allow-list. An empty allow-list permits everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}
	for _, allowed := range c.allowList {
		candidate := strings.TrimSpace(strings.TrimPrefix(allowed, "@"))
		if candidate == "" {
			continue
		}
		if candidate == senderID || candidate == idPart || (userPart != "" && candidate == userPart) {
			return true
		}
	}
	return false
}

// sessionKeyFor derives a stable session key for a chat on this channel.
// Channels are single-user by spec, so this is a namespacing convenience
// rather than a multi-tenant identity scheme.
func sessionKeyFor(channelName, chatID string) string {
	return channelName + ":" + chatID
}
