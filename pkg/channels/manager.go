// pith - a self-extending conversational agent runtime
// License: MIT
//
// Copyright (c) 2026 pith contributors

package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pithrun/pith/pkg/logging"
)

// Manager owns the set of active Channels and their lifecycle. Unlike a
// central inbound/outbound dispatcher, each Channel here relays its own
// turn's events directly (see DiscordChannel.relay, LongPollChannel.relay),
// so Manager's job is strictly start/stop and status reporting.
type Manager struct {
	channels map[string]Channel
	mu       sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{channels: make(map[string]Channel)}
}

// RegisterChannel adds a channel under name; call before StartAll.
func (m *Manager) RegisterChannel(name string, ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = ch
}

func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}

func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	channelsCopy := make(map[string]Channel, len(m.channels))
	for name, ch := range m.channels {
		channelsCopy[name] = ch
	}
	m.mu.RUnlock()

	if len(channelsCopy) == 0 {
		logging.WarnCF("channels", "no channels configured", nil)
		return nil
	}

	var started []string
	var errs []string
	for name, ch := range channelsCopy {
		logging.InfoCF("channels", "starting channel", map[string]interface{}{"channel": name})
		if err := ch.Connect(ctx); err != nil {
			logging.ErrorCF("channels", "failed to start channel", map[string]interface{}{"channel": name, "error": err.Error()})
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		started = append(started, name)
	}

	if len(errs) > 0 {
		for _, name := range started {
			_ = channelsCopy[name].Disconnect(ctx)
		}
		return fmt.Errorf("failed to start channels: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Disconnect(ctx); err != nil {
			logging.ErrorCF("channels", "error stopping channel", map[string]interface{}{"channel": name, "error": err.Error()})
		}
	}
	return nil
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

func (m *Manager) Status() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := make(map[string]interface{}, len(m.channels))
	for name, ch := range m.channels {
		status[name] = map[string]interface{}{"running": ch.IsRunning()}
	}
	return status
}
