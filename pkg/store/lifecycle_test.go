package store

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestSweep_TTLAndCapEviction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale, err := s.FindOrCreate(ctx, "owner", "100000001", "")
	if err != nil {
		t.Fatalf("find or create stale: %v", err)
	}
	if _, err := s.AppendMessage(ctx, stale.ID, Message{Role: RoleInbound, Content: "old", CreatedAt: time.Now().Add(-48 * time.Hour)}); err != nil {
		t.Fatalf("append stale: %v", err)
	}

	fresh := make([]Conversation, 0, 3)
	for i := 0; i < 3; i++ {
		conv, err := s.FindOrCreate(ctx, "owner", fmt.Sprintf("20000000%d", i), "")
		if err != nil {
			t.Fatalf("find or create fresh: %v", err)
		}
		if _, err := s.AppendMessage(ctx, conv.ID, Message{Role: RoleInbound, Content: "hi", CreatedAt: time.Now().Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("append fresh: %v", err)
		}
		fresh = append(fresh, conv)
	}

	sweeper := NewSweeper(s.Cache(), SweeperOptions{TTL: 24 * time.Hour, MaxConversations: 2, MessagesPerConv: 100})
	sweeper.Sweep()

	stats := sweeper.Stats()
	if stats.Conversations > 2 {
		t.Fatalf("cap not enforced: %d cached conversations", stats.Conversations)
	}
	if _, ok := s.Cache().GetByID(stale.ID); ok {
		t.Fatalf("expired conversation still cached")
	}

	// Durable data for evicted conversations stays retrievable.
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	msgs, err := s.Durable().ListMessages(ctx, stale.ID, 0)
	if err != nil {
		t.Fatalf("list durable messages for evicted: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("durable history lost on eviction: %d messages", len(msgs))
	}
	for _, conv := range fresh {
		if _, err := s.Durable().GetConversation(ctx, conv.ID); err != nil {
			t.Fatalf("durable conversation %s unavailable: %v", conv.ID, err)
		}
	}
}

func TestSweep_TrimsCachedMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.FindOrCreate(ctx, "owner", "237691234567", "")
	if err != nil {
		t.Fatalf("find or create: %v", err)
	}
	for i := 0; i < 10; i++ {
		msg := Message{Role: RoleInbound, Content: fmt.Sprintf("turn %d", i), CreatedAt: time.Now().Add(time.Duration(i) * time.Minute)}
		if _, err := s.AppendMessage(ctx, conv.ID, msg); err != nil {
			t.Fatalf("append turn %d: %v", i, err)
		}
	}

	sweeper := NewSweeper(s.Cache(), SweeperOptions{TTL: 24 * time.Hour, MaxConversations: 100, MessagesPerConv: 4})
	sweeper.Sweep()

	cached, ok := s.Cache().RecentMessages(conv.ID, 0)
	if !ok {
		t.Fatalf("conversation evicted instead of trimmed")
	}
	if len(cached) != 4 {
		t.Fatalf("expected 4 cached messages after trim, got %d", len(cached))
	}
	if cached[0].Content != "turn 6" {
		t.Fatalf("trim dropped the wrong end: first cached is %q", cached[0].Content)
	}

	// Sequence numbering keeps advancing from the trimmed state.
	next, err := s.AppendMessage(ctx, conv.ID, Message{Role: RoleInbound, Content: "turn 10"})
	if err != nil {
		t.Fatalf("append after trim: %v", err)
	}
	if next.Seq != 11 {
		t.Fatalf("seq regressed after trim: got %d want 11", next.Seq)
	}
}
