package channels

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ngassam/vendabot/pkg/bus"
)

// Channel is one messaging surface the bot listens and replies on.
// Adapters translate their platform's events into bus.InboundEvent and
// deliver bus.OutboundReply back out.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, reply bus.OutboundReply) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

type BaseChannel struct {
	bus       *bus.MessageBus
	name      string
	allowList []string
	running   atomic.Bool
}

func NewBaseChannel(name string, bus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		bus:       bus,
		name:      name,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

// IsAllowed checks the sender against the configured allowlist. An
// empty allowlist admits everyone. Entries match either the full
// sender id, the id part, or the username part of a compound
// "123456|username" id.
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

// PublishInbound stamps the event with the channel name and receipt
// time and hands it to the bus. Allowlist filtering happens in the
// adapter before media is touched, not here.
func (c *BaseChannel) PublishInbound(ev bus.InboundEvent) {
	ev.Channel = c.name
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	c.bus.PublishInbound(ev)
}

func (c *BaseChannel) setRunning(running bool) {
	c.running.Store(running)
}
