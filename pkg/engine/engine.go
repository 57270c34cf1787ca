package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ngassam/vendabot/pkg/bus"
	"github.com/ngassam/vendabot/pkg/composer"
	"github.com/ngassam/vendabot/pkg/config"
	"github.com/ngassam/vendabot/pkg/identity"
	"github.com/ngassam/vendabot/pkg/knowledge"
	"github.com/ngassam/vendabot/pkg/logger"
	"github.com/ngassam/vendabot/pkg/providers"
	"github.com/ngassam/vendabot/pkg/quota"
	"github.com/ngassam/vendabot/pkg/store"
	"github.com/ngassam/vendabot/pkg/summarizer"
)

const logComponent = "engine"

// LimitNotice is the fixed reply sent when the owner's message quota
// is exhausted. No generation happens for quota-denied events.
const LimitNotice = "Vous avez atteint la limite de messages de votre forfait. " +
	"Un agent humain prendra le relais dès que possible."

// apologyNotice covers generator failures and timeouts; the inbound
// message stays recorded so a human can follow up.
const apologyNotice = "Désolé, je rencontre un problème technique pour le moment. " +
	"Un agent va vous répondre dès que possible."

// Analyzer turns a media reference into a short textual description.
// The engine never touches media bytes itself.
type Analyzer interface {
	Analyze(ctx context.Context, mediaRef string) (string, error)
}

type work struct {
	ev bus.InboundEvent
	id identity.Identity
}

// Engine consumes inbound events, runs them through the memory /
// knowledge / generation pipeline, and publishes replies. Events for
// the same identity are processed in arrival order by sharding on the
// normalized address; distinct identities run concurrently.
type Engine struct {
	bus        *bus.MessageBus
	store      *store.Store
	retriever  *knowledge.Retriever
	summarizer *summarizer.Summarizer
	generator  providers.Generator
	quota      quota.Checker
	analyzer   Analyzer
	cfg        *config.Config

	shards    []chan work
	running   atomic.Bool
	generated atomic.Uint64
}

func New(cfg *config.Config, messageBus *bus.MessageBus, st *store.Store, retriever *knowledge.Retriever,
	sum *summarizer.Summarizer, generator providers.Generator, checker quota.Checker, analyzer Analyzer) *Engine {
	return &Engine{
		bus:        messageBus,
		store:      st,
		retriever:  retriever,
		summarizer: sum,
		generator:  generator,
		quota:      checker,
		analyzer:   analyzer,
		cfg:        cfg,
	}
}

// Run blocks until ctx is cancelled. It starts one dispatcher that
// routes events to per-identity shards plus a fixed pool of shard
// workers. A failed event is logged and never stops the pool.
func (e *Engine) Run(ctx context.Context) error {
	workers := e.cfg.Engine.Workers
	if workers <= 0 {
		workers = 8
	}

	e.shards = make([]chan work, workers)
	for i := range e.shards {
		e.shards[i] = make(chan work, 32)
	}
	e.running.Store(true)
	defer e.running.Store(false)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer func() {
			for _, shard := range e.shards {
				close(shard)
			}
		}()
		for {
			ev, ok := e.bus.ConsumeInbound(gctx)
			if !ok {
				// Context cancelled or bus closed; either way intake is
				// finished.
				return nil
			}
			id, err := identity.Normalize(ev.RawAddress)
			if err != nil {
				logger.WarnCF(logComponent, "dropping event with unresolvable address", map[string]interface{}{
					"channel": ev.Channel, "event": ev.EventID, "address": ev.RawAddress,
				})
				continue
			}
			select {
			case e.shards[shardIndex(ev.OwnerID, id.Normalized, workers)] <- work{ev: ev, id: id}:
			case <-gctx.Done():
				return nil
			}
		}
	})

	for i := 0; i < workers; i++ {
		shard := e.shards[i]
		g.Go(func() error {
			for w := range shard {
				if _, err := e.handleEvent(gctx, w.ev); err != nil {
					logger.ErrorCF(logComponent, "event processing failed", map[string]interface{}{
						"channel": w.ev.Channel, "event": w.ev.EventID, "error": err.Error(),
					})
				}
			}
			return nil
		})
	}

	logger.InfoCF(logComponent, "Engine started", map[string]interface{}{"workers": workers})
	err := g.Wait()
	logger.InfoC(logComponent, "Engine stopped")
	return err
}

func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// GeneratedCount reports how many generator calls the engine has made.
func (e *Engine) GeneratedCount() uint64 {
	return e.generated.Load()
}

func shardIndex(ownerID, normalized string, workers int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ownerID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(normalized))
	return int(h.Sum32() % uint32(workers))
}

// ProcessDirect runs one message through the full pipeline
// synchronously and returns the reply text. Used by the console; no
// channel dispatch happens because there is no chat to deliver to.
func (e *Engine) ProcessDirect(ctx context.Context, ownerID, rawAddress, content string) (string, error) {
	reply, err := e.handleEvent(ctx, bus.InboundEvent{
		Channel:    "console",
		EventID:    "evt-" + uuid.NewString(),
		OwnerID:    ownerID,
		RawAddress: rawAddress,
		Content:    content,
		ReceivedAt: time.Now(),
	})
	return reply, err
}

// handleEvent is the per-message pipeline: resolve the conversation,
// record the turn, gate on quota, gather context, generate, record and
// dispatch the reply. Returns the reply text, or "" when the event was
// a suppressed duplicate.
func (e *Engine) handleEvent(ctx context.Context, ev bus.InboundEvent) (string, error) {
	conv, err := e.store.FindOrCreate(ctx, ev.OwnerID, ev.RawAddress, ev.Channel)
	if err != nil {
		return "", fmt.Errorf("resolve conversation: %w", err)
	}
	if name := strings.TrimSpace(ev.DisplayName); name != "" {
		e.store.Cache().SetDisplayName(conv.ID, name)
	}

	media := map[string]string{}
	if ev.ChatID != "" {
		media["chat_id"] = ev.ChatID
		media["channel"] = ev.Channel
	}
	if ev.MediaRef != "" {
		media["media_ref"] = ev.MediaRef
	}
	if ev.QuotedID != "" {
		media["quoted_id"] = ev.QuotedID
	}
	if len(media) == 0 {
		media = nil
	}

	inboundID := "msg-" + uuid.NewString()
	inbound, err := e.store.AppendMessage(ctx, conv.ID, store.Message{
		ID:        inboundID,
		EventID:   ev.EventID,
		Role:      store.RoleInbound,
		Content:   ev.Content,
		Media:     media,
		CreatedAt: ev.ReceivedAt,
	})
	if err != nil {
		return "", fmt.Errorf("record inbound turn: %w", err)
	}
	if inbound.ID != inboundID {
		// Redelivery of an already-answered event: one stored turn, one
		// reply. Nothing more to do.
		logger.InfoCF(logComponent, "duplicate delivery suppressed", map[string]interface{}{
			"conversation": conv.ID, "event": ev.EventID,
		})
		return "", nil
	}

	result, err := e.quota.Check(ctx, ev.OwnerID)
	if err != nil {
		// The quota service being down must not silence the bot.
		logger.WarnCF(logComponent, "quota check failed, allowing message", map[string]interface{}{
			"owner": ev.OwnerID, "error": err.Error(),
		})
	} else if !result.Allowed {
		logger.InfoCF(logComponent, "quota exhausted, sending limit notice", map[string]interface{}{
			"owner": ev.OwnerID, "limit": result.Limit, "current": result.Current,
		})
		return e.reply(ctx, conv, ev, LimitNotice)
	}

	mediaContext := ""
	if ev.MediaRef != "" && e.analyzer != nil {
		desc, aerr := e.analyzer.Analyze(ctx, ev.MediaRef)
		if aerr != nil {
			logger.WarnCF(logComponent, "media analysis failed, composing without it", map[string]interface{}{
				"conversation": conv.ID, "error": aerr.Error(),
			})
		} else {
			mediaContext = desc
		}
	}

	excerpts, err := e.retriever.Retrieve(ctx, e.cfg.Knowledge.KBID, ev.Content)
	if err != nil {
		logger.WarnCF(logComponent, "knowledge retrieval failed, composing without excerpts", map[string]interface{}{
			"conversation": conv.ID, "error": err.Error(),
		})
		excerpts = nil
	}

	if _, _, serr := e.summarizer.MaybeSummarize(ctx, conv.ID); serr != nil {
		logger.WarnCF(logComponent, "summarization skipped", map[string]interface{}{
			"conversation": conv.ID, "error": serr.Error(),
		})
	}
	summaryText := ""
	if sum, ok, serr := e.store.GetSummary(ctx, conv.ID); serr == nil && ok {
		summaryText = sum.Text
	}

	recent, err := e.store.History(ctx, conv.ID)
	if err != nil {
		logger.WarnCF(logComponent, "recent turns unavailable", map[string]interface{}{
			"conversation": conv.ID, "error": err.Error(),
		})
	}
	// The turn just recorded goes in as the current message, not as
	// history.
	if n := len(recent); n > 0 && recent[n-1].ID == inbound.ID {
		recent = recent[:n-1]
	}

	messages := composer.Compose(composer.Input{
		Summary:      summaryText,
		Excerpts:     excerpts,
		MediaContext: mediaContext,
		QuotedText:   ev.QuotedText,
		RecentTurns:  recent,
		Current:      ev.Content,
		MaxTurns:     e.cfg.Composer.RecentTurns,
	})

	genCtx, cancel := context.WithTimeout(ctx, e.cfg.GeneratorTimeout())
	e.generated.Add(1)
	resp, err := e.generator.Generate(genCtx, messages, providers.GenerateOptions{
		Model:       e.cfg.Generator.Model,
		MaxTokens:   e.cfg.Generator.MaxTokens,
		Temperature: e.cfg.Generator.Temperature,
	})
	cancel()

	content := ""
	if err != nil {
		logger.ErrorCF(logComponent, "generation failed, sending apology", map[string]interface{}{
			"conversation": conv.ID, "error": err.Error(),
		})
		content = apologyNotice
	} else {
		content = strings.TrimSpace(resp.Content)
		if content == "" {
			content = apologyNotice
		}
	}

	return e.reply(ctx, conv, ev, content)
}

// reply records the agent turn and hands it to the channel dispatcher.
// The conversation id is re-resolved first in case a reconciliation
// merge landed mid-flight.
func (e *Engine) reply(ctx context.Context, conv store.Conversation, ev bus.InboundEvent, content string) (string, error) {
	conv, _ = e.store.ResolveCanonical(ctx, conv)

	msg, err := e.store.AppendMessage(ctx, conv.ID, store.Message{
		Role:    store.RoleAgent,
		Content: content,
	})
	if err != nil {
		return "", fmt.Errorf("record reply: %w", err)
	}

	if ev.ChatID != "" {
		e.bus.PublishOutbound(bus.OutboundReply{
			Channel:        ev.Channel,
			ChatID:         ev.ChatID,
			RawAddress:     ev.RawAddress,
			ConversationID: conv.ID,
			MessageID:      msg.ID,
			Content:        content,
		})
	}
	return content, nil
}

// HandleDelivery records the channel's acknowledgement for a reply.
// Failed deliveries keep the message with a failed status; the turn
// itself is never rolled back.
func (e *Engine) HandleDelivery(result bus.DeliveryResult) {
	status := store.DeliverySent
	if result.Err != nil {
		status = store.DeliveryFailed
		logger.WarnCF(logComponent, "reply delivery failed", map[string]interface{}{
			"conversation": result.ConversationID, "message": result.MessageID, "error": result.Err.Error(),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.SetDeliveryStatus(ctx, result.ConversationID, result.MessageID, status); err != nil {
		logger.WarnCF(logComponent, "delivery status persist failed", map[string]interface{}{
			"message": result.MessageID, "error": err.Error(),
		})
	}
}
