package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/pithrun/pith/pkg/bus"
	"github.com/pithrun/pith/pkg/config"
	"github.com/pithrun/pith/pkg/logging"
)

const sendTimeout = 10 * time.Second

// DiscordChannel bridges Discord DMs/mentions to the Turn Orchestrator: one
// pith session per Discord channel ID, replies posted as a single message
// once the turn finishes (see relay for why this doesn't edit in place).
type DiscordChannel struct {
	*BaseChannel
	session *discordgo.Session
	turns   TurnSubmitter
	events  *bus.EventBus

	mu       sync.Mutex
	sessions map[string]string // discord channel id -> pith session id
}

func NewDiscordChannel(cfg config.DiscordChannelConfig, token string, turns TurnSubmitter, events *bus.EventBus) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", cfg.AllowedUserIDs),
		session:     session,
		turns:       turns,
		events:      events,
		sessions:    make(map[string]string),
	}, nil
}

func (c *DiscordChannel) Connect(ctx context.Context) error {
	logging.InfoCF("discord", "starting discord bot", nil)
	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	c.setRunning(true)
	botUser, err := c.session.User("@me")
	if err != nil {
		return fmt.Errorf("failed to get bot user: %w", err)
	}
	logging.InfoCF("discord", "discord bot connected", map[string]interface{}{"username": botUser.Username, "user_id": botUser.ID})
	return nil
}

func (c *DiscordChannel) Disconnect(ctx context.Context) error {
	logging.InfoCF("discord", "stopping discord bot", nil)
	c.setRunning(false)
	return c.session.Close()
}

func (c *DiscordChannel) Send(ctx context.Context, chatID, text string) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := c.session.ChannelMessageSend(chatID, text)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-sendCtx.Done():
		return sendCtx.Err()
	}
}

func (c *DiscordChannel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.Bot {
		return
	}
	senderID := m.Author.ID + "|" + m.Author.Username
	if !c.IsAllowed(senderID) {
		return
	}

	sessID := c.sessionFor(m.ChannelID)
	turnID, err := c.turns.SubmitTurn(sessID, m.Content, 0)
	if err != nil {
		logging.ErrorCF("discord", "submit turn failed", map[string]interface{}{"error": err.Error()})
		return
	}
	go c.relay(sessID, turnID, m.ChannelID)
}

func (c *DiscordChannel) sessionFor(discordChannelID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.sessions[discordChannelID]; ok {
		return id
	}
	sessID, err := c.turns.NewSession(context.Background())
	if err != nil {
		sessID = sessionKeyFor("discord", discordChannelID)
	}
	c.sessions[discordChannelID] = sessID
	return sessID
}

// relay accumulates assistant_delta text for one turn and posts it as a
// single Discord message on turn_finished, since Discord's edit-in-place
// streaming needs a rate limit budget this bridge doesn't try to manage.
func (c *DiscordChannel) relay(sessionID, turnID, discordChannelID string) {
	ch, cancel := c.events.Subscribe(sessionID)
	defer cancel()

	var text strings.Builder
	timeout := time.After(2 * time.Minute)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.TurnID != "" && ev.TurnID != turnID {
				continue
			}
			switch ev.Type {
			case bus.EventAssistantDelta:
				if t, ok := ev.Data["text"].(string); ok {
					text.WriteString(t)
				}
			case bus.EventTurnFinished:
				if text.Len() > 0 {
					_ = c.Send(context.Background(), discordChannelID, text.String())
				}
				return
			}
		case <-timeout:
			return
		}
	}
}
