package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// InboundEvent is one message received from a channel adapter, before
// identity resolution. EventID is the adapter's delivery id and is used
// for duplicate suppression downstream.
type InboundEvent struct {
	Channel     string
	EventID     string
	OwnerID     string
	RawAddress  string
	DisplayName string
	ChatID      string
	Content     string
	MediaRef    string
	QuotedID    string
	QuotedText  string
	ReceivedAt  time.Time
	Metadata    map[string]string
}

// OutboundReply is a generated or fixed reply headed back to a channel
// adapter. MessageID ties the delivery result to the persisted record.
type OutboundReply struct {
	Channel        string
	ChatID         string
	RawAddress     string
	ConversationID string
	MessageID      string
	Content        string
}

// DeliveryResult reports the adapter's acknowledgement for one reply.
type DeliveryResult struct {
	MessageID      string
	ConversationID string
	Err            error
}

type MessageBus struct {
	inbound  chan InboundEvent
	outbound chan OutboundReply
	closed   bool
	dropped  droppedCounters
	mu       sync.RWMutex
}

type droppedCounters struct {
	inbound  atomic.Uint64
	outbound atomic.Uint64
}

const publishTimeout = 100 * time.Millisecond

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundEvent, 100),
		outbound: make(chan OutboundReply, 100),
	}
}

func (mb *MessageBus) PublishInbound(ev InboundEvent) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}

	select {
	case mb.inbound <- ev:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case mb.inbound <- ev:
		case <-timer.C:
			mb.dropped.inbound.Add(1)
		}
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundEvent, bool) {
	select {
	case ev, ok := <-mb.inbound:
		if !ok {
			return InboundEvent{}, false
		}
		return ev, true
	case <-ctx.Done():
		return InboundEvent{}, false
	}
}

func (mb *MessageBus) PublishOutbound(reply OutboundReply) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}

	select {
	case mb.outbound <- reply:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case mb.outbound <- reply:
		case <-timer.C:
			mb.dropped.outbound.Add(1)
		}
	}
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundReply, bool) {
	select {
	case reply, ok := <-mb.outbound:
		if !ok {
			return OutboundReply{}, false
		}
		return reply, true
	case <-ctx.Done():
		return OutboundReply{}, false
	}
}

func (mb *MessageBus) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	close(mb.inbound)
	close(mb.outbound)
}

func (mb *MessageBus) DroppedInbound() uint64 {
	return mb.dropped.inbound.Load()
}

func (mb *MessageBus) DroppedOutbound() uint64 {
	return mb.dropped.outbound.Load()
}
