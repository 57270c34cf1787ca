package knowledge

import (
	"context"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ngassam/vendabot/pkg/store"
)

// Excerpt is a scored, bounded substring of one knowledge document.
type Excerpt struct {
	DocumentTitle string
	Text          string
	Score         int
}

// Weights holds the retrieval tuning. These encode product decisions,
// not algorithmic necessities; see config for the defaults.
type Weights struct {
	Title         int
	Content       int
	Keyword       int
	MaxExcerpts   int
	ExcerptChars  int
	FallbackDocs  int
	FallbackChars int
}

func (w *Weights) fill() {
	if w.Title <= 0 {
		w.Title = 10
	}
	if w.Content <= 0 {
		w.Content = 2
	}
	if w.Keyword <= 0 {
		w.Keyword = 5
	}
	if w.MaxExcerpts <= 0 {
		w.MaxExcerpts = 5
	}
	if w.ExcerptChars <= 0 {
		w.ExcerptChars = 800
	}
	if w.FallbackDocs <= 0 {
		w.FallbackDocs = 3
	}
	if w.FallbackChars <= 0 {
		w.FallbackChars = 500
	}
}

// domainKeywords is the fixed vocabulary of commercially important
// terms. Occurrences in document content carry extra weight so that
// pricing and logistics passages outrank smalltalk.
var domainKeywords = []string{
	"prix", "tarif", "tarifs", "cout", "coût", "price", "pricing", "cost",
	"usd", "eur", "xaf", "fcfa", "cbm", "kg", "kilo", "poids", "weight",
	"transport", "maritime", "aerien", "aérien", "shipping", "fret", "cargo",
	"livraison", "delivery", "delai", "délai", "douane", "customs",
	"commande", "order", "paiement", "payment", "facture", "invoice",
	"contact", "whatsapp", "telephone", "téléphone", "adresse", "agence",
}

const minDocChars = 20

// Source lists the candidate documents of one knowledge base.
type Source interface {
	ListDocuments(ctx context.Context, kbID string) ([]store.Document, error)
}

// Retriever scores documents against a query and extracts bounded
// excerpts around the densest cluster of matches. Deterministic:
// fixed inputs give the same ordering and boundaries every time.
type Retriever struct {
	source  Source
	weights Weights
}

func NewRetriever(source Source, weights Weights) *Retriever {
	weights.fill()
	return &Retriever{source: source, weights: weights}
}

// Retrieve returns the top excerpts for query, ordered by descending
// relevance. An empty kbID means no knowledge base is bound and
// yields nil. When nothing scores above zero, leading slices of a few
// documents are returned as generic grounding rather than nothing.
func (r *Retriever) Retrieve(ctx context.Context, kbID, query string) ([]Excerpt, error) {
	if strings.TrimSpace(kbID) == "" {
		return nil, nil
	}
	docs, err := r.source.ListDocuments(ctx, kbID)
	if err != nil {
		return nil, err
	}

	queryTokens := tokenize(query)
	terms := append([]string{}, queryTokens...)
	for _, kw := range domainKeywords {
		terms = append(terms, strings.ToLower(kw))
	}
	terms = dedupeTerms(terms)

	type scoredDoc struct {
		doc   store.Document
		score int
		index int
	}
	scored := []scoredDoc{}
	for i, doc := range docs {
		if len(strings.TrimSpace(doc.Content)) < minDocChars {
			continue
		}
		score := r.scoreDocument(doc, queryTokens)
		if score > 0 {
			scored = append(scored, scoredDoc{doc: doc, score: score, index: i})
		}
	}

	if len(scored) == 0 {
		return r.fallback(docs), nil
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score == scored[j].score {
			return scored[i].index < scored[j].index
		}
		return scored[i].score > scored[j].score
	})
	if len(scored) > r.weights.MaxExcerpts {
		scored = scored[:r.weights.MaxExcerpts]
	}

	out := make([]Excerpt, 0, len(scored))
	for _, s := range scored {
		out = append(out, Excerpt{
			DocumentTitle: s.doc.Title,
			Text:          r.excerpt(s.doc.Content, terms),
			Score:         s.score,
		})
	}
	return out, nil
}

func (r *Retriever) scoreDocument(doc store.Document, queryTokens []string) int {
	titleLower := strings.ToLower(doc.Title)
	contentLower := strings.ToLower(doc.Content)

	titleMatches := 0
	contentOccurrences := 0
	for _, tok := range queryTokens {
		if strings.Contains(titleLower, tok) {
			titleMatches++
		}
		contentOccurrences += strings.Count(contentLower, tok)
	}

	keywordOccurrences := 0
	for _, kw := range domainKeywords {
		keywordOccurrences += strings.Count(contentLower, kw)
	}

	return r.weights.Title*titleMatches +
		r.weights.Content*contentOccurrences +
		r.weights.Keyword*keywordOccurrences
}

// excerpt extracts a window of roughly ExcerptChars around the
// densest cluster of term matches, snapped to sentence boundaries,
// with ellipsis markers when it does not touch a document edge.
func (r *Retriever) excerpt(content string, terms []string) string {
	target := r.weights.ExcerptChars
	if len(content) <= target {
		return strings.TrimSpace(content)
	}

	lower := strings.ToLower(content)
	positions := matchPositions(lower, terms)

	start := 0
	if len(positions) > 0 {
		best, bestCount := positions[0], 0
		for _, p := range positions {
			count := 0
			for _, q := range positions {
				if q >= p && q < p+target {
					count++
				}
			}
			if count > bestCount {
				best, bestCount = p, count
			}
		}
		start = best
	}

	start = snapToRune(content, start)
	start = snapStartToSentence(content, start)
	end := start + target
	if end > len(content) {
		end = len(content)
	}
	end = snapToRune(content, end)
	end = snapEndToSentence(content, start, end)

	text := strings.TrimSpace(content[start:end])
	if start > 0 {
		text = "..." + text
	}
	if end < len(content) {
		text = text + "..."
	}
	return text
}

func (r *Retriever) fallback(docs []store.Document) []Excerpt {
	out := []Excerpt{}
	for _, doc := range docs {
		if len(strings.TrimSpace(doc.Content)) < minDocChars {
			continue
		}
		text := strings.TrimSpace(doc.Content)
		if len(text) > r.weights.FallbackChars {
			cut := snapToRune(text, r.weights.FallbackChars)
			text = strings.TrimSpace(text[:cut]) + "..."
		}
		out = append(out, Excerpt{DocumentTitle: doc.Title, Text: text, Score: 0})
		if len(out) >= r.weights.FallbackDocs {
			break
		}
	}
	return out
}

// tokenize lowercases and splits on non-letter/digit runes, keeping
// tokens longer than two characters.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if utf8.RuneCountInString(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}

func dedupeTerms(terms []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// matchPositions returns the sorted byte offsets of every term
// occurrence in lower.
func matchPositions(lower string, terms []string) []int {
	positions := []int{}
	for _, term := range terms {
		from := 0
		for {
			idx := strings.Index(lower[from:], term)
			if idx < 0 {
				break
			}
			positions = append(positions, from+idx)
			from += idx + len(term)
		}
	}
	sort.Ints(positions)
	return positions
}

const sentenceLookback = 200

func snapStartToSentence(content string, start int) int {
	if start == 0 {
		return 0
	}
	idx := strings.LastIndexAny(content[:start], ".!?\n")
	if idx >= 0 && start-idx <= sentenceLookback {
		idx++
		for idx < len(content) && (content[idx] == ' ' || content[idx] == '\n') {
			idx++
		}
		return idx
	}
	return start
}

func snapEndToSentence(content string, start, end int) int {
	if end >= len(content) {
		return len(content)
	}
	idx := strings.LastIndexAny(content[start:end], ".!?\n")
	// Only snap when it keeps most of the window.
	if idx > (end-start)/2 {
		return start + idx + 1
	}
	return end
}

// snapToRune walks back to the nearest rune start so byte-offset
// slicing never splits a multi-byte character.
func snapToRune(s string, i int) int {
	if i <= 0 {
		return 0
	}
	if i >= len(s) {
		return len(s)
	}
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}
