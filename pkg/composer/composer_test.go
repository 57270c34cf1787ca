package composer

import (
	"strings"
	"testing"

	"github.com/ngassam/vendabot/pkg/knowledge"
	"github.com/ngassam/vendabot/pkg/store"
)

func TestCompose_OrderedBlocks(t *testing.T) {
	msgs := Compose(Input{
		Summary: "Client asked about sea freight to Douala.",
		Excerpts: []knowledge.Excerpt{
			{DocumentTitle: "Tarifs", Text: "Le tarif maritime est de 850 USD/CBM.", Score: 14},
		},
		MediaContext: "Photo of a wrapped package, approx 2kg.",
		QuotedText:   "Le tarif maritime est de 850 USD/CBM.",
		RecentTurns: []store.Message{
			{Role: store.RoleInbound, Content: "Bonjour"},
			{Role: store.RoleAgent, Content: "Bonjour, comment puis-je aider ?"},
		},
		Current: "Et pour ce colis ?",
	})

	if len(msgs) != 4 {
		t.Fatalf("expected system + 2 turns + current, got %d messages", len(msgs))
	}
	system := msgs[0].Content

	order := []string{
		"commercial logistics service",
		"Summary of Earlier Conversation",
		"ONLY source of truth",
		"850 USD/CBM",
		"Attached Media",
		"Quoted Message",
	}
	last := -1
	for _, marker := range order {
		idx := strings.Index(system, marker)
		if idx < 0 {
			t.Fatalf("system context missing %q:\n%s", marker, system)
		}
		if idx < last {
			t.Fatalf("block %q out of order", marker)
		}
		last = idx
	}

	if msgs[1].Role != "user" || msgs[2].Role != "assistant" {
		t.Fatalf("turn roles wrong: %q / %q", msgs[1].Role, msgs[2].Role)
	}
	if msgs[3].Role != "user" || msgs[3].Content != "Et pour ce colis ?" {
		t.Fatalf("current message not last: %+v", msgs[3])
	}
}

func TestCompose_NoExcerptsAddsAntiFabricationGuard(t *testing.T) {
	msgs := Compose(Input{Current: "Combien coûte la livraison ?"})
	system := msgs[0].Content
	if !strings.Contains(system, "Do NOT state any price") {
		t.Fatalf("missing do-not-fabricate instruction:\n%s", system)
	}
	if !strings.Contains(system, "human agent") {
		t.Fatalf("missing human redirect instruction:\n%s", system)
	}
}

func TestCompose_QuotedContextNeverDropped(t *testing.T) {
	msgs := Compose(Input{
		QuotedText: "Votre commande part vendredi.",
		Current:    "C'est bien vendredi ?",
	})
	if !strings.Contains(msgs[0].Content, "Votre commande part vendredi.") {
		t.Fatalf("quoted reply context dropped:\n%s", msgs[0].Content)
	}
}

func TestCompose_TrimsToMaxTurns(t *testing.T) {
	turns := make([]store.Message, 0, 20)
	for i := 0; i < 20; i++ {
		turns = append(turns, store.Message{Role: store.RoleInbound, Content: strings.Repeat("x", i+1)})
	}
	msgs := Compose(Input{RecentTurns: turns, MaxTurns: 15, Current: "dernier"})
	// system + 15 turns + current
	if len(msgs) != 17 {
		t.Fatalf("expected 17 messages, got %d", len(msgs))
	}
	if len(msgs[1].Content) != 6 {
		t.Fatalf("kept the wrong end of the history: first turn %q", msgs[1].Content)
	}
}
