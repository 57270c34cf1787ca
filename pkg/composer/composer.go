package composer

import (
	"fmt"
	"strings"

	"github.com/ngassam/vendabot/pkg/knowledge"
	"github.com/ngassam/vendabot/pkg/providers"
	"github.com/ngassam/vendabot/pkg/store"
)

// DefaultPolicy is the fixed behavioral header. It constrains tone
// and role; factual grounding rules are appended per request from the
// retrieval result.
const DefaultPolicy = `You are the automated assistant of a commercial logistics service.
Answer customers in the language they write in, usually French.
Be brief, warm and professional; one short paragraph unless asked for detail.
Never invent prices, delays, addresses or any business facts.`

const noExcerptInstruction = `No knowledge excerpt matched this question. Do NOT state any price, ` +
	`rate, delay or other business fact. Say you will check and invite the customer ` +
	`to contact a human agent for specifics.`

const excerptInstruction = `The excerpts below are the ONLY source of truth for factual claims ` +
	`such as prices, rates and delays. If the answer is not in an excerpt, do not guess: ` +
	`redirect the customer to a human agent instead.`

// Input carries everything one reply composition may draw on.
type Input struct {
	Policy       string
	Summary      string
	Excerpts     []knowledge.Excerpt
	MediaContext string
	QuotedText   string
	RecentTurns  []store.Message
	Current      string
	MaxTurns     int
}

// Compose builds the ordered generator context: policy header,
// summary, knowledge excerpts, media context, reply-thread context,
// then the recent raw turns with the current message last. Knowledge
// and reply-thread blocks are never dropped when present; with zero
// excerpts an explicit do-not-fabricate instruction takes their
// place.
func Compose(in Input) []providers.Message {
	policy := strings.TrimSpace(in.Policy)
	if policy == "" {
		policy = DefaultPolicy
	}

	blocks := []string{policy}

	if s := strings.TrimSpace(in.Summary); s != "" {
		blocks = append(blocks, "## Summary of Earlier Conversation\n\n"+s)
	}

	blocks = append(blocks, knowledgeBlock(in.Excerpts))

	if m := strings.TrimSpace(in.MediaContext); m != "" {
		blocks = append(blocks, "## Attached Media\n\nThe customer's message carries non-text content:\n"+m)
	}
	if q := strings.TrimSpace(in.QuotedText); q != "" {
		blocks = append(blocks, "## Quoted Message\n\nThe customer is replying to this earlier message:\n> "+q)
	}

	messages := []providers.Message{{
		Role:    "system",
		Content: strings.Join(blocks, "\n\n---\n\n"),
	}}

	turns := in.RecentTurns
	if in.MaxTurns > 0 && len(turns) > in.MaxTurns {
		turns = turns[len(turns)-in.MaxTurns:]
	}
	for _, turn := range turns {
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		messages = append(messages, providers.Message{
			Role:    wireRole(turn.Role),
			Content: content,
		})
	}

	if current := strings.TrimSpace(in.Current); current != "" {
		messages = append(messages, providers.Message{Role: "user", Content: current})
	}
	return messages
}

func knowledgeBlock(excerpts []knowledge.Excerpt) string {
	if len(excerpts) == 0 {
		return "## Knowledge\n\n" + noExcerptInstruction
	}

	var b strings.Builder
	b.WriteString("## Knowledge\n\n")
	b.WriteString(excerptInstruction)
	b.WriteString("\n")
	for i, e := range excerpts {
		title := strings.TrimSpace(e.DocumentTitle)
		if title == "" {
			title = "Untitled"
		}
		b.WriteString(fmt.Sprintf("\n[%d] %s\n%s\n", i+1, title, strings.TrimSpace(e.Text)))
	}
	return strings.TrimRight(b.String(), "\n")
}

func wireRole(role store.Role) string {
	switch role {
	case store.RoleInbound:
		return "user"
	case store.RoleAgent, store.RoleOperator:
		return "assistant"
	default:
		return "user"
	}
}
