package summarizer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ngassam/vendabot/pkg/logger"
	"github.com/ngassam/vendabot/pkg/store"
)

const logComponent = "summarizer"

// SummaryFunc requests a short factual compression from the external
// generator: topics, user-stated facts, pending questions.
type SummaryFunc func(ctx context.Context, existingSummary, transcript string) (string, error)

// Options tunes when and how much history gets compressed.
type Options struct {
	// TriggerTurns is the turn count past which summarization kicks in.
	TriggerTurns int
	// KeepRecentTurns stay raw; everything older is compressed.
	KeepRecentTurns int
	// RefreshTurns is the minimum number of new turns past the last
	// covered sequence before the summary is refreshed again.
	RefreshTurns int
}

func (o *Options) fill() {
	if o.TriggerTurns <= 0 {
		o.TriggerTurns = 30
	}
	if o.KeepRecentTurns <= 0 {
		o.KeepRecentTurns = 10
	}
	if o.RefreshTurns <= 0 {
		o.RefreshTurns = 10
	}
}

// Summarizer compresses aged conversation history into a rolling
// summary. Coverage only advances; a failed summarization is
// non-fatal and simply leaves more raw turns for the next attempt.
type Summarizer struct {
	store     *store.Store
	summarize SummaryFunc
	opts      Options
}

func New(st *store.Store, summarize SummaryFunc, opts Options) *Summarizer {
	opts.fill()
	return &Summarizer{store: st, summarize: summarize, opts: opts}
}

// MaybeSummarize checks the trigger and refresh guards and, when due,
// compresses all turns except the most recent KeepRecentTurns.
// Reports whether a new summary was produced.
func (s *Summarizer) MaybeSummarize(ctx context.Context, conversationID string) (store.Summary, bool, error) {
	msgs, err := s.store.History(ctx, conversationID)
	if err != nil {
		return store.Summary{}, false, err
	}
	if len(msgs) <= s.opts.TriggerTurns {
		return store.Summary{}, false, nil
	}

	cut := msgs[:len(msgs)-s.opts.KeepRecentTurns]
	if len(cut) == 0 {
		return store.Summary{}, false, nil
	}
	coveredThrough := cut[len(cut)-1].Seq

	existing, hasExisting, err := s.store.GetSummary(ctx, conversationID)
	if err != nil {
		return store.Summary{}, false, err
	}
	if hasExisting {
		// Guard against re-summarizing on every new message: wait
		// until enough fresh turns accumulated past the covered mark.
		if coveredThrough-existing.CoveredThroughSeq < int64(s.opts.RefreshTurns) {
			return store.Summary{}, false, nil
		}
	}

	transcript := buildTranscript(cut)
	text := ""
	if s.summarize != nil {
		text, err = s.summarize(ctx, existing.Text, transcript)
		if err != nil {
			logger.WarnCF(logComponent, "summarization failed, keeping raw turns", map[string]interface{}{
				"conversation": conversationID, "error": err.Error(),
			})
			return store.Summary{}, false, nil
		}
	}
	if strings.TrimSpace(text) == "" {
		text = fallbackSummary(existing.Text, cut)
	}

	sum := store.Summary{
		ConversationID:    conversationID,
		Text:              strings.TrimSpace(text),
		CoveredThroughSeq: coveredThrough,
	}
	if err := s.store.UpdateSummary(ctx, sum); err != nil {
		logger.WarnCF(logComponent, "summary persist failed", map[string]interface{}{
			"conversation": conversationID, "error": err.Error(),
		})
		return store.Summary{}, false, nil
	}
	logger.InfoCF(logComponent, "conversation summarized", map[string]interface{}{
		"conversation": conversationID,
		"covered":      coveredThrough,
		"compressed":   len(cut),
	})
	return sum, true, nil
}

func buildTranscript(msgs []store.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		if len(content) > 400 {
			content = content[:400] + "..."
		}
		b.WriteString(roleLabel(m.Role))
		b.WriteString(": ")
		b.WriteString(content)
		b.WriteString("\n")
	}
	return b.String()
}

func roleLabel(role store.Role) string {
	switch role {
	case store.RoleInbound:
		return "client"
	case store.RoleAgent:
		return "assistant"
	case store.RoleOperator:
		return "operator"
	default:
		return string(role)
	}
}

func fallbackSummary(existing string, msgs []store.Message) string {
	parts := []string{}
	if strings.TrimSpace(existing) != "" {
		parts = append(parts, strings.TrimSpace(existing))
	}
	if len(msgs) > 0 {
		start := msgs[0].CreatedAt.Format(time.RFC3339)
		end := msgs[len(msgs)-1].CreatedAt.Format(time.RFC3339)
		parts = append(parts, fmt.Sprintf("Compressed conversation window %s - %s (%d turns).", start, end, len(msgs)))
	}

	bullets := 0
	for _, m := range msgs {
		if m.Role != store.RoleInbound {
			continue
		}
		line := strings.TrimSpace(m.Content)
		if line == "" {
			continue
		}
		if len(line) > 160 {
			line = line[:160] + "..."
		}
		parts = append(parts, "- Client topic: "+line)
		bullets++
		if bullets >= 6 {
			break
		}
	}
	return strings.Join(parts, "\n")
}
