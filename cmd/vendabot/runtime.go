package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ngassam/vendabot/pkg/bus"
	"github.com/ngassam/vendabot/pkg/config"
	"github.com/ngassam/vendabot/pkg/engine"
	"github.com/ngassam/vendabot/pkg/knowledge"
	"github.com/ngassam/vendabot/pkg/providers"
	"github.com/ngassam/vendabot/pkg/quota"
	"github.com/ngassam/vendabot/pkg/store"
	"github.com/ngassam/vendabot/pkg/summarizer"
)

// runtime bundles everything a running bot needs. The console and the
// gateway share the same assembly; only the channel layer differs.
type botRuntime struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	durable    *store.DurableStore
	store      *store.Store
	engine     *engine.Engine
	sweeper    *store.Sweeper
	reconciler *store.Reconciler
}

func buildRuntime(cfg *config.Config) (*botRuntime, error) {
	dataDir := cfg.DataDirPath()
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	durable, err := store.NewDurableStore(filepath.Join(dataDir, "vendabot.db"))
	if err != nil {
		return nil, fmt.Errorf("open durable store: %w", err)
	}

	st := store.New(durable, store.Options{
		DedupWindow:  cfg.DedupWindow(),
		FlushTimeout: time.Duration(cfg.Store.FlushTimeoutSeconds) * time.Second,
	})

	generator, err := providers.NewChatCompletionsClient(cfg.Generator.APIBase, cfg.Generator.APIKey, cfg.Generator.Model)
	if err != nil {
		return nil, fmt.Errorf("create generator client: %w", err)
	}

	retriever := knowledge.NewRetriever(durable, knowledge.Weights{
		Title:         cfg.Knowledge.TitleWeight,
		Content:       cfg.Knowledge.ContentWeight,
		Keyword:       cfg.Knowledge.KeywordWeight,
		MaxExcerpts:   cfg.Knowledge.MaxExcerpts,
		ExcerptChars:  cfg.Knowledge.ExcerptChars,
		FallbackDocs:  cfg.Knowledge.FallbackDocs,
		FallbackChars: cfg.Knowledge.FallbackChars,
	})

	sum := summarizer.New(st, summaryFunc(generator, cfg), summarizer.Options{
		TriggerTurns:    cfg.Summary.TriggerTurns,
		KeepRecentTurns: cfg.Summary.KeepRecentTurns,
		RefreshTurns:    cfg.Summary.RefreshTurns,
	})

	checker, err := buildQuotaChecker(cfg)
	if err != nil {
		return nil, err
	}

	messageBus := bus.NewMessageBus()
	eng := engine.New(cfg, messageBus, st, retriever, sum, generator, checker, nil)

	return &botRuntime{
		cfg:     cfg,
		bus:     messageBus,
		durable: durable,
		store:   st,
		engine:  eng,
		sweeper: store.NewSweeper(st.Cache(), store.SweeperOptions{
			TTL:              cfg.CacheTTL(),
			MaxConversations: cfg.Store.CacheMaxConversations,
			MessagesPerConv:  cfg.Store.CacheMessagesPerConv,
			Interval:         cfg.SweepInterval(),
		}),
		reconciler: store.NewReconciler(st, cfg.Store.ReconcileSchedule),
	}, nil
}

func (r *botRuntime) close() {
	r.bus.Close()
	_ = r.store.Close()
	_ = r.durable.Close()
}

func buildQuotaChecker(cfg *config.Config) (quota.Checker, error) {
	if strings.TrimSpace(cfg.Quota.Endpoint) != "" {
		checker, err := quota.NewHTTPChecker(cfg.Quota.Endpoint, time.Duration(cfg.Quota.TimeoutSeconds)*time.Second)
		if err != nil {
			return nil, fmt.Errorf("configure quota checker: %w", err)
		}
		return checker, nil
	}
	return quota.NewStaticChecker(cfg.Quota.StaticLimit), nil
}

// summaryFunc asks the same generator used for replies to compress
// aged conversation history.
func summaryFunc(generator providers.Generator, cfg *config.Config) summarizer.SummaryFunc {
	return func(ctx context.Context, existingSummary, transcript string) (string, error) {
		prompt := "Update the rolling summary of a customer service conversation.\n" +
			"Preserve the topics discussed, facts the customer stated (orders, destinations, volumes), " +
			"commitments made, and questions still unanswered.\n" +
			"Keep it compact and factual, in the conversation's language.\n\n" +
			"EXISTING SUMMARY:\n" + existingSummary + "\n\n" +
			"NEW TRANSCRIPT SEGMENT:\n" + transcript + "\n\n" +
			"Return only the updated summary."
		resp, err := generator.Generate(ctx, []providers.Message{{Role: "user", Content: prompt}}, providers.GenerateOptions{
			Model:       cfg.Generator.Model,
			MaxTokens:   cfg.Summary.MaxTokens,
			Temperature: 0.2,
		})
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(resp.Content), nil
	}
}

func validateRuntimeConfig(cfg *config.Config, requireDiscord bool) error {
	configPath := getConfigPath()
	if strings.TrimSpace(cfg.Generator.APIKey) == "" {
		return fmt.Errorf("generator.api_key is required in %s or VENDABOT_GENERATOR_API_KEY", configPath)
	}
	if requireDiscord && strings.TrimSpace(cfg.Channels.Discord.Token) == "" {
		return fmt.Errorf("channels.discord.token is required in %s or VENDABOT_CHANNELS_DISCORD_TOKEN", configPath)
	}
	return nil
}
