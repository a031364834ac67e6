package pagectx

import (
	"cmp"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/germanamz/pagechat/pkg/modeladapter"
	"github.com/germanamz/pagechat/pkg/settings"
)

const (
	// MinScore is the relevance below which an element is dropped.
	MinScore = 0.1
	// NeutralScore is assigned to every element when the query has no tokens.
	NeutralScore = 0.5
	// BudgetFill is the share of the target size the packer fills.
	BudgetFill = 0.9

	headingBonus = 1.5
	codeBonus    = 1.2
	minTokenLen  = 3
	ellipsis     = "…"

	// DefaultMaxTokens is the target size when none is configured.
	DefaultMaxTokens = 4000
)

var codeWords = map[string]bool{
	"code": true, "function": true, "class": true, "error": true, "bug": true,
	"method": true, "variable": true, "api": true, "javascript": true,
	"typescript": true, "python": true, "java": true, "golang": true, "go": true,
	"rust": true, "ruby": true, "php": true, "sql": true, "html": true, "css": true,
}

// Options controls one optimization.
type Options struct {
	Query                 string
	MaxTokens             int     // Target size of the emitted block.
	CostPerThousandTokens float64 // Model price used for EstimatedCost.
	IncludeMetadata       bool
	Anonymize             bool // Mask e-mail addresses and phone numbers.
}

// OptionsFor reads the options for model from settings. The model's
// contextBudget wins over context.maxTokens.
func OptionsFor(s *settings.Store, model, query string) Options {
	opts := Options{
		Query:           query,
		MaxTokens:       s.GetInt("context.maxTokens", DefaultMaxTokens),
		IncludeMetadata: s.GetBool("context.includeMetadata", true),
		Anonymize:       s.GetBool("privacy.anonymizeContext", false),
	}

	if m, ok := s.Model(model); ok {
		if m.ContextBudget > 0 {
			opts.MaxTokens = m.ContextBudget
		}
		opts.CostPerThousandTokens = m.CostPerThousandTokens
		if opts.CostPerThousandTokens == 0 {
			opts.CostPerThousandTokens = m.InputPrice
		}
	}

	return opts
}

// Result is the emitted context block and what went into it.
type Result struct {
	Text             string  `json:"text"`
	RelevanceScore   float64 `json:"relevanceScore"`
	ContentType      string  `json:"contentType"`
	EstimatedTokens  int     `json:"estimatedTokens"`
	EstimatedCost    float64 `json:"estimatedCost"`
	IncludedElements int     `json:"includedElements"`
	TotalElements    int     `json:"totalElements"`
	Truncated        bool    `json:"truncated"`
}

// words splits s into lowercased runs of letters and digits.
func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Tokenize returns the distinct query words of at least three characters,
// lowercased and stripped of punctuation, in first-seen order.
func Tokenize(query string) []string {
	var out []string
	seen := make(map[string]bool)

	for _, w := range words(query) {
		if utf8.RuneCountInString(w) < minTokenLen || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}

	return out
}

// IsCodeQuery reports whether the query mentions code.
func IsCodeQuery(query string) bool {
	return slices.ContainsFunc(words(query), func(w string) bool { return codeWords[w] })
}

// Score rates el against the query tokens: the share of tokens found in the
// element text, boosted for headings and, for code queries, code blocks, then
// clamped to [0,1].
func Score(el Element, tokens []string, codeQuery bool) float64 {
	if len(tokens) == 0 {
		return NeutralScore
	}

	text := strings.ToLower(el.Text)
	matched := 0
	for _, t := range tokens {
		if strings.Contains(text, t) {
			matched++
		}
	}

	score := float64(matched) / float64(len(tokens))

	switch {
	case el.Type == Heading:
		score *= headingBonus
	case el.Type == Code && codeQuery:
		score *= codeBonus
	}

	return min(max(score, 0), 1)
}

type scored struct {
	index int
	score float64
	el    Element
}

// Optimize builds the context block for a under opts.
func Optimize(a *Analysis, opts Options) Result {
	if a == nil || a.MainContent == nil {
		return fallback(a, opts)
	}

	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}

	tokens := Tokenize(opts.Query)
	codeQuery := IsCodeQuery(opts.Query)

	elements := a.MainContent.Elements
	all := make([]scored, len(elements))
	for i, el := range elements {
		if opts.Anonymize {
			el.Text = anonymize(el.Text)
		}
		all[i] = scored{index: i, score: Score(el, tokens, codeQuery), el: el}
	}

	priority := make([]scored, 0, len(all))
	for _, s := range all {
		if s.score >= MinScore && strings.TrimSpace(s.el.Text) != "" {
			priority = append(priority, s)
		}
	}
	slices.SortStableFunc(priority, func(x, y scored) int {
		if c := cmp.Compare(y.score, x.score); c != 0 {
			return c
		}
		return cmp.Compare(x.index, y.index)
	})

	header := renderHeader(a, opts)
	budget := int(BudgetFill * float64(opts.MaxTokens))
	used := modeladapter.EstimateTokens(header)

	var (
		picked    []scored
		truncated bool
	)
	for _, s := range priority {
		block := renderElement(s.el)
		cost := modeladapter.EstimateTokens(block + "\n")

		if used+cost <= budget {
			picked = append(picked, s)
			used += cost
			continue
		}

		truncated = true

		empty := s.el
		empty.Text = ""
		room := (budget-used)*4 - utf8.RuneCountInString(renderElement(empty)) - 1
		if cut := truncateWords(s.el.Text, room); cut != "" {
			s.el.Text = cut
			picked = append(picked, s)
		}
		break
	}

	slices.SortFunc(picked, func(x, y scored) int { return cmp.Compare(x.index, y.index) })

	var b strings.Builder
	b.WriteString(header)
	b.WriteString("[Content]\n")
	for _, s := range picked {
		b.WriteString(renderElement(s.el))
		b.WriteByte('\n')
	}

	text := strings.TrimRight(b.String(), "\n")
	est := modeladapter.EstimateTokens(text)

	contentType := a.ContentType
	if contentType == "" {
		contentType = "general"
	}

	return Result{
		Text:             text,
		RelevanceScore:   overallScore(all, len(tokens) == 0),
		ContentType:      contentType,
		EstimatedTokens:  est,
		EstimatedCost:    float64(est) * opts.CostPerThousandTokens / 1000,
		IncludedElements: len(picked),
		TotalElements:    len(elements),
		Truncated:        truncated,
	}
}

// overallScore is the mean element score weighted by text length.
func overallScore(all []scored, emptyQuery bool) float64 {
	if emptyQuery {
		return NeutralScore
	}
	if len(all) == 0 {
		return 0
	}

	var sum, weight float64
	for _, s := range all {
		w := float64(utf8.RuneCountInString(s.el.Text))
		sum += s.score * w
		weight += w
	}

	if weight == 0 {
		for _, s := range all {
			sum += s.score
		}
		return sum / float64(len(all))
	}

	return sum / weight
}

// truncateWords cuts text to at most limit runes at a whitespace boundary and
// appends an ellipsis. It returns "" when no whole word fits.
func truncateWords(text string, limit int) string {
	limit -= utf8.RuneCountInString(ellipsis)
	if limit <= 0 {
		return ""
	}

	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}

	cut := -1
	for i := limit; i > 0; i-- {
		if unicode.IsSpace(runes[i]) {
			cut = i
			break
		}
	}
	if cut <= 0 {
		return ""
	}

	return strings.TrimRightFunc(string(runes[:cut]), unicode.IsSpace) + ellipsis
}

func renderHeader(a *Analysis, opts Options) string {
	var b strings.Builder
	b.WriteString("[Page Context]\n")

	if opts.IncludeMetadata {
		line := func(label, v string) {
			if v = strings.TrimSpace(v); v != "" {
				b.WriteString(label + ": " + v + "\n")
			}
		}
		line("Title", a.Metadata.Title)
		line("URL", a.Metadata.URL)
		line("Description", a.Metadata.Description)
	}

	summary := a.KeyInfo.Summary
	if opts.Anonymize {
		summary = anonymize(summary)
	}
	if summary = strings.TrimSpace(summary); summary != "" {
		b.WriteString("[Summary] " + summary + "\n")
	}

	if len(a.KeyInfo.KeyPoints) > 0 {
		b.WriteString("[Key Points]")
		for i, p := range a.KeyInfo.KeyPoints {
			if opts.Anonymize {
				p = anonymize(p)
			}
			b.WriteString(" " + strconv.Itoa(i+1) + ". " + strings.TrimSpace(p))
		}
		b.WriteByte('\n')
	}

	return b.String()
}

func renderElement(el Element) string {
	text := strings.TrimSpace(el.Text)

	switch el.Type {
	case Heading:
		level := el.Level
		if level < 1 || level > 6 {
			level = 2
		}
		return strings.Repeat("#", level) + " " + text
	case Code:
		return "```" + el.Language + "\n" + text + "\n```"
	case List:
		lines := strings.Split(text, "\n")
		for i, l := range lines {
			lines[i] = "- " + strings.TrimSpace(strings.TrimLeft(l, "-*• "))
		}
		return strings.Join(lines, "\n")
	case Quote:
		return "> " + strings.ReplaceAll(text, "\n", "\n> ")
	default:
		return text
	}
}

// fallback is emitted when the page has no structured content.
func fallback(a *Analysis, opts Options) Result {
	if a == nil {
		a = &Analysis{}
	}

	text := renderHeader(a, opts) + "[Content]\nNo structured content is available for this page."
	est := modeladapter.EstimateTokens(text)

	return Result{
		Text:            text,
		RelevanceScore:  0,
		ContentType:     "unknown",
		EstimatedTokens: est,
		EstimatedCost:   float64(est) * opts.CostPerThousandTokens / 1000,
	}
}

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s().-]{7,}\d`)
)

func anonymize(s string) string {
	s = emailPattern.ReplaceAllString(s, "[email]")
	return phonePattern.ReplaceAllString(s, "[phone]")
}
