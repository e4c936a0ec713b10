// Package channel implements the outbound messaging collaborators and the
// inbound message feed for the supported chat platforms.
package channel

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/stellarlinkco/mediaclaw/internal/agent"
	"github.com/stellarlinkco/mediaclaw/internal/config"
)

// Inbound is one user message arriving from a channel.
type Inbound struct {
	Channel         string
	SenderID        string
	ChatID          string
	Text            string
	MessageID       string
	QuotedMessageID string
	QuotedText      string
	Timestamp       time.Time
}

// InboundHandler receives messages; the gateway installs one per channel.
type InboundHandler func(msg Inbound)

// Channel is a chat platform: it feeds inbound messages to the handler and
// implements the agent's Messenger contract for outbound delivery.
type Channel interface {
	agent.Messenger
	Name() string
	Start(ctx context.Context) error
	Stop() error
	SetHandler(h InboundHandler)
}

// BaseChannel carries the shared identity and allow-list plumbing.
type BaseChannel struct {
	name      string
	allowFrom []string

	mu      sync.RWMutex
	handler InboundHandler
}

func NewBaseChannel(name string, allowFrom []string) BaseChannel {
	return BaseChannel{name: name, allowFrom: allowFrom}
}

func (b *BaseChannel) Name() string { return b.name }

func (b *BaseChannel) SetHandler(h InboundHandler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

func (b *BaseChannel) dispatch(msg Inbound) {
	b.mu.RLock()
	h := b.handler
	b.mu.RUnlock()
	if h == nil {
		log.Printf("[%s] inbound message dropped: no handler installed", b.name)
		return
	}
	h(msg)
}

// IsAllowed applies the allow-list; an empty list allows everyone.
func (b *BaseChannel) IsAllowed(senderID string) bool {
	if len(b.allowFrom) == 0 {
		return true
	}
	for _, allowed := range b.allowFrom {
		if allowed == senderID {
			return true
		}
	}
	return false
}

// Manager owns the enabled channels.
type Manager struct {
	channels map[string]Channel
}

func NewManager(cfg config.ChannelsConfig) (*Manager, error) {
	m := &Manager{channels: make(map[string]Channel)}

	if cfg.Telegram.Enabled {
		ch, err := NewTelegramChannel(cfg.Telegram)
		if err != nil {
			return nil, fmt.Errorf("init telegram channel: %w", err)
		}
		m.channels[ch.Name()] = ch
	}

	if cfg.WhatsApp.Enabled {
		ch, err := NewWhatsApp(cfg.WhatsApp)
		if err != nil {
			return nil, fmt.Errorf("init whatsapp channel: %w", err)
		}
		m.channels[ch.Name()] = ch
	}

	return m, nil
}

func (m *Manager) Get(name string) (Channel, bool) {
	ch, ok := m.channels[name]
	return ch, ok
}

func (m *Manager) SetHandler(h InboundHandler) {
	for _, ch := range m.channels {
		ch.SetHandler(h)
	}
}

func (m *Manager) StartAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.channels))

	for name, ch := range m.channels {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			log.Printf("[channel-mgr] starting %s", name)
			if err := ch.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}(name, ch)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

func (m *Manager) StopAll() error {
	for name, ch := range m.channels {
		log.Printf("[channel-mgr] stopping %s", name)
		if err := ch.Stop(); err != nil {
			log.Printf("[channel-mgr] error stopping %s: %v", name, err)
		}
	}
	return nil
}

func (m *Manager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}
