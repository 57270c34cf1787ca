package engine

import (
	"context"
	"fmt"

	"github.com/ngassam/vendabot/pkg/bus"
	"github.com/ngassam/vendabot/pkg/store"
)

// Inbox operations used by the console and any management surface.
// They read through the store's merged view, so unflushed activity is
// visible immediately.

func (e *Engine) ListConversations(ctx context.Context, ownerID, channelSessionID string) ([]store.Conversation, error) {
	return e.store.ListForOwner(ctx, ownerID, channelSessionID)
}

func (e *Engine) Messages(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	return e.store.ListMessages(ctx, conversationID, limit)
}

func (e *Engine) MarkRead(ctx context.Context, conversationID string) error {
	return e.store.MarkRead(ctx, conversationID)
}

func (e *Engine) MemoryStats() store.CacheStats {
	return e.store.MemoryStats()
}

// SendOperatorMessage records a human takeover turn and delivers it on
// the conversation's channel. Routing comes from the most recent
// inbound turn that carried a chat id; a conversation that never
// received one cannot be replied to.
func (e *Engine) SendOperatorMessage(ctx context.Context, conversationID, content string) (store.Message, error) {
	conv, err := e.store.Durable().GetConversation(ctx, conversationID)
	if err != nil {
		if cached, ok := e.store.Cache().GetByID(conversationID); ok {
			conv = cached
		} else {
			return store.Message{}, err
		}
	}
	conv, _ = e.store.ResolveCanonical(ctx, conv)

	msg, err := e.store.AppendMessage(ctx, conv.ID, store.Message{
		Role:    store.RoleOperator,
		Content: content,
	})
	if err != nil {
		return store.Message{}, fmt.Errorf("record operator turn: %w", err)
	}

	channel, chatID := e.lastRoute(ctx, conv.ID)
	if chatID == "" {
		return msg, fmt.Errorf("conversation %s has no known chat route", conv.ID)
	}

	e.bus.PublishOutbound(bus.OutboundReply{
		Channel:        channel,
		ChatID:         chatID,
		RawAddress:     conv.NormalizedAddress,
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		Content:        content,
	})
	return msg, nil
}

func (e *Engine) lastRoute(ctx context.Context, conversationID string) (channel, chatID string) {
	msgs, err := e.store.RecentMessages(ctx, conversationID, 50)
	if err != nil {
		return "", ""
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != store.RoleInbound {
			continue
		}
		if id := msgs[i].Media["chat_id"]; id != "" {
			return msgs[i].Media["channel"], id
		}
	}
	return "", ""
}
