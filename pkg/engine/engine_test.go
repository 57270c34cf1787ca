package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ngassam/vendabot/pkg/bus"
	"github.com/ngassam/vendabot/pkg/config"
	"github.com/ngassam/vendabot/pkg/knowledge"
	"github.com/ngassam/vendabot/pkg/providers"
	"github.com/ngassam/vendabot/pkg/quota"
	"github.com/ngassam/vendabot/pkg/store"
	"github.com/ngassam/vendabot/pkg/summarizer"
)

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	last  []providers.Message
	reply string
	err   error
}

func (g *fakeGenerator) Generate(ctx context.Context, messages []providers.Message, opts providers.GenerateOptions) (*providers.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.last = messages
	if g.err != nil {
		return nil, g.err
	}
	return &providers.Response{Content: g.reply, FinishReason: "stop"}, nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *fakeGenerator) lastSystem() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.last) == 0 {
		return ""
	}
	return g.last[0].Content
}

func newTestEngine(t *testing.T, gen providers.Generator, checker quota.Checker) (*Engine, *store.Store, *bus.MessageBus) {
	t.Helper()

	durable, err := store.NewDurableStore(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open durable store: %v", err)
	}
	st := store.New(durable, store.Options{DedupWindow: 5 * time.Second})
	t.Cleanup(func() {
		_ = st.Close()
		_ = durable.Close()
	})

	cfg := config.DefaultConfig()
	cfg.Engine.Workers = 2
	cfg.Engine.GeneratorTimeoutSeconds = 5

	messageBus := bus.NewMessageBus()
	t.Cleanup(messageBus.Close)

	retriever := knowledge.NewRetriever(durable, knowledge.Weights{})
	sum := summarizer.New(st, nil, summarizer.Options{})

	return New(cfg, messageBus, st, retriever, sum, gen, checker, nil), st, messageBus
}

func TestQuotaDenied_NoGenerationAndSingleNotice(t *testing.T) {
	gen := &fakeGenerator{reply: "Bonjour, comment puis-je aider ?"}
	e, _, _ := newTestEngine(t, gen, quota.NewStaticChecker(1))
	ctx := context.Background()

	first, err := e.ProcessDirect(ctx, "owner-1", "237691234567@s.whatsapp.net", "Bonjour")
	if err != nil {
		t.Fatalf("first message: %v", err)
	}
	if first != "Bonjour, comment puis-je aider ?" {
		t.Fatalf("unexpected first reply %q", first)
	}

	second, err := e.ProcessDirect(ctx, "owner-1", "237691234567@s.whatsapp.net", "Et le prix ?")
	if err != nil {
		t.Fatalf("second message: %v", err)
	}
	if second != LimitNotice {
		t.Fatalf("expected limit notice, got %q", second)
	}
	if gen.callCount() != 1 {
		t.Fatalf("generator called %d times for a denied message", gen.callCount())
	}

	convs, err := e.ListConversations(ctx, "owner-1", "")
	if err != nil || len(convs) != 1 {
		t.Fatalf("list conversations: %v (%d)", err, len(convs))
	}
	history, err := e.store.History(ctx, convs[0].ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	notices := 0
	for _, m := range history {
		if m.Content == LimitNotice {
			notices++
		}
	}
	if notices != 1 {
		t.Fatalf("expected exactly one limit notice, got %d in %d turns", notices, len(history))
	}
}

func TestDuplicateEvent_SingleTurnSingleReply(t *testing.T) {
	gen := &fakeGenerator{reply: "Bien reçu."}
	e, _, _ := newTestEngine(t, gen, quota.NewStaticChecker(0))
	ctx := context.Background()

	ev := bus.InboundEvent{
		Channel:    "console",
		EventID:    "evt-dup-1",
		OwnerID:    "owner-1",
		RawAddress: "237691234567",
		Content:    "Ma commande est-elle partie ?",
		ReceivedAt: time.Now(),
	}

	if _, err := e.handleEvent(ctx, ev); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	reply, err := e.handleEvent(ctx, ev)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if reply != "" {
		t.Fatalf("redelivery produced a reply: %q", reply)
	}
	if gen.callCount() != 1 {
		t.Fatalf("generator called %d times for one logical message", gen.callCount())
	}

	convs, _ := e.ListConversations(ctx, "owner-1", "")
	history, err := e.store.History(ctx, convs[0].ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected inbound + reply, got %d turns", len(history))
	}
}

func TestGeneratorFailure_SendsApology(t *testing.T) {
	gen := &fakeGenerator{err: fmt.Errorf("upstream unavailable")}
	e, _, _ := newTestEngine(t, gen, quota.NewStaticChecker(0))

	reply, err := e.ProcessDirect(context.Background(), "owner-1", "237691234567", "Bonjour")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if reply != apologyNotice {
		t.Fatalf("expected apology, got %q", reply)
	}
}

func TestRetrievedExcerptsReachGenerator(t *testing.T) {
	gen := &fakeGenerator{reply: "Le tarif maritime est de 850 USD/CBM."}
	e, st, _ := newTestEngine(t, gen, quota.NewStaticChecker(0))
	ctx := context.Background()

	_, err := st.Durable().UpsertDocument(ctx, store.Document{
		ID:      "doc-tarifs",
		KBID:    "default",
		Title:   "Tarifs",
		Content: "Le transport maritime est facturé 850 USD/CBM. Le fret aérien est facturé 12 USD/kg. Délai maritime: 60 jours.",
		Status:  store.DocumentActive,
	})
	if err != nil {
		t.Fatalf("seed document: %v", err)
	}

	if _, err := e.ProcessDirect(ctx, "owner-1", "237691234567", "Quel est le prix du transport maritime ?"); err != nil {
		t.Fatalf("process: %v", err)
	}

	system := gen.lastSystem()
	if !strings.Contains(system, "Tarifs") || !strings.Contains(system, "850 USD/CBM") {
		t.Fatalf("excerpt missing from generator context:\n%s", system)
	}
	if !strings.Contains(system, "ONLY source of truth") {
		t.Fatalf("grounding instruction missing:\n%s", system)
	}
}

func TestRun_EndToEndReplyAndDelivery(t *testing.T) {
	gen := &fakeGenerator{reply: "Votre colis part vendredi."}
	e, st, messageBus := newTestEngine(t, gen, quota.NewStaticChecker(0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	messageBus.PublishInbound(bus.InboundEvent{
		Channel:    "discord",
		EventID:    "evt-run-1",
		OwnerID:    "owner-1",
		RawAddress: "237691234567",
		ChatID:     "chat-9",
		Content:    "Quand part mon colis ?",
		ReceivedAt: time.Now(),
	})

	replyCtx, replyCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer replyCancel()
	reply, ok := messageBus.SubscribeOutbound(replyCtx)
	if !ok {
		t.Fatalf("no outbound reply")
	}
	if reply.Content != "Votre colis part vendredi." || reply.ChatID != "chat-9" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if reply.ConversationID == "" || reply.MessageID == "" {
		t.Fatalf("reply missing persistence ids: %+v", reply)
	}

	e.HandleDelivery(bus.DeliveryResult{MessageID: reply.MessageID, ConversationID: reply.ConversationID})

	msgs, okCache := st.Cache().RecentMessages(reply.ConversationID, 0)
	if !okCache {
		t.Fatalf("conversation missing from memory tier")
	}
	found := false
	for _, m := range msgs {
		if m.ID == reply.MessageID {
			found = true
			if m.DeliveryStatus != store.DeliverySent {
				t.Fatalf("delivery status not recorded: %q", m.DeliveryStatus)
			}
		}
	}
	if !found {
		t.Fatalf("reply turn not recorded")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("engine did not stop")
	}
}

func TestRun_StopsWhenBusCloses(t *testing.T) {
	gen := &fakeGenerator{reply: "ok"}
	e, _, messageBus := newTestEngine(t, gen, quota.NewStaticChecker(0))

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	messageBus.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("engine kept running after bus close")
	}
}

func TestSendOperatorMessage_RoutesThroughLastChat(t *testing.T) {
	gen := &fakeGenerator{reply: "D'accord."}
	e, _, messageBus := newTestEngine(t, gen, quota.NewStaticChecker(0))
	ctx := context.Background()

	if _, err := e.handleEvent(ctx, bus.InboundEvent{
		Channel:    "discord",
		EventID:    "evt-op-1",
		OwnerID:    "owner-1",
		RawAddress: "237691234567",
		ChatID:     "chat-4",
		Content:    "Bonjour",
		ReceivedAt: time.Now(),
	}); err != nil {
		t.Fatalf("inbound: %v", err)
	}

	convs, _ := e.ListConversations(ctx, "owner-1", "")
	if len(convs) != 1 {
		t.Fatalf("expected one conversation, got %d", len(convs))
	}

	msg, err := e.SendOperatorMessage(ctx, convs[0].ID, "Un agent prend le relais.")
	if err != nil {
		t.Fatalf("operator send: %v", err)
	}
	if msg.Role != store.RoleOperator {
		t.Fatalf("wrong role %q", msg.Role)
	}

	replyCtx, replyCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer replyCancel()
	// Drain until the operator message appears; the engine reply from
	// handleEvent is also on the queue.
	for {
		out, ok := messageBus.SubscribeOutbound(replyCtx)
		if !ok {
			t.Fatalf("operator reply never dispatched")
		}
		if out.MessageID == msg.ID {
			if out.ChatID != "chat-4" || out.Channel != "discord" {
				t.Fatalf("operator reply misrouted: %+v", out)
			}
			return
		}
	}
}
