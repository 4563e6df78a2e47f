package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/pithrun/pith/pkg/bus"
	"github.com/pithrun/pith/pkg/config"
	"github.com/pithrun/pith/pkg/logging"
	"github.com/pithrun/pith/pkg/store"
)

const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second
)

// longPollCursorKey namespaces the app_state key used to persist the
// long-poll cursor across restarts.
const longPollCursorKey = "longpoll_cursor"

type longPollEnvelope struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
	Cursor string `json:"cursor"`
}

// LongPollChannel bridges a generic HTTP long-poll endpoint (any operator
// front-end that exposes GET .../poll?cursor=... and POST .../send) to the
// Turn Orchestrator, with exponential backoff on transport errors.
type LongPollChannel struct {
	*BaseChannel
	cfg    config.LongPollChannelConfig
	token  string
	st     store.Store
	turns  TurnSubmitter
	events *bus.EventBus
	client *http.Client

	mu     sync.Mutex
	cancel context.CancelFunc

	sessions map[string]string
}

func NewLongPollChannel(cfg config.LongPollChannelConfig, token string, st store.Store, turns TurnSubmitter, events *bus.EventBus) *LongPollChannel {
	return &LongPollChannel{
		BaseChannel: NewBaseChannel("longpoll", nil),
		cfg:         cfg,
		token:       token,
		st:          st,
		turns:       turns,
		events:      events,
		client:      &http.Client{Timeout: 90 * time.Second},
		sessions:    make(map[string]string),
	}
}

func (c *LongPollChannel) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	c.setRunning(true)
	go c.pollLoop(runCtx)
	return nil
}

func (c *LongPollChannel) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	c.setRunning(false)
	return nil
}

func (c *LongPollChannel) Send(ctx context.Context, chatID, text string) error {
	body, err := json.Marshal(longPollEnvelope{ChatID: chatID, Text: text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+"/send", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("longpoll send: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *LongPollChannel) pollLoop(ctx context.Context) {
	backoff := backoffBase
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		cursor, _, _ := c.st.GetAppState(ctx, longPollCursorKey)
		envelopes, nextCursor, err := c.pollOnce(ctx, cursor)
		if err != nil {
			logging.ErrorCF("longpoll", "poll failed, backing off", map[string]interface{}{"error": err.Error(), "backoff_ms": backoff.Milliseconds()})
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
			continue
		}
		backoff = backoffBase

		for _, env := range envelopes {
			c.handleEnvelope(env)
		}
		if nextCursor != "" && nextCursor != cursor {
			_ = c.st.SetAppState(ctx, longPollCursorKey, nextCursor)
		}
	}
}

func (c *LongPollChannel) pollOnce(ctx context.Context, cursor string) ([]longPollEnvelope, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/poll?cursor=%s", c.cfg.URL, cursor), nil)
	if err != nil {
		return nil, "", err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("longpoll: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	var payload struct {
		Messages []longPollEnvelope `json:"messages"`
		Cursor   string             `json:"cursor"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, "", err
	}
	return payload.Messages, payload.Cursor, nil
}

func (c *LongPollChannel) handleEnvelope(env longPollEnvelope) {
	c.mu.Lock()
	sessID, ok := c.sessions[env.ChatID]
	if !ok {
		var err error
		sessID, err = c.turns.NewSession(context.Background())
		if err != nil {
			c.mu.Unlock()
			return
		}
		c.sessions[env.ChatID] = sessID
	}
	c.mu.Unlock()

	turnID, err := c.turns.SubmitTurn(sessID, env.Text, 0)
	if err != nil {
		logging.ErrorCF("longpoll", "submit turn failed", map[string]interface{}{"error": err.Error()})
		return
	}
	go c.relay(sessID, turnID, env.ChatID)
}

func (c *LongPollChannel) relay(sessionID, turnID, chatID string) {
	ch, cancel := c.events.Subscribe(sessionID)
	defer cancel()

	var text bytes.Buffer
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
					_ = c.Send(context.Background(), chatID, text.String())
				}
				return
			}
		case <-timeout:
			return
		}
	}
}

func jitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.2
	delta := (rand.Float64()*2 - 1) * spread
	return d + time.Duration(delta)
}
