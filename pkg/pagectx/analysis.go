// Package pagectx turns an analyzed web page into the context block that is
// prepended to a prompt. Elements are scored against the user's query and
// packed into a token budget.
package pagectx

// ElementType classifies a content element.
type ElementType string

const (
	Heading   ElementType = "heading"
	Paragraph ElementType = "paragraph"
	Code      ElementType = "code"
	List      ElementType = "list"
	Quote     ElementType = "quote"
	Table     ElementType = "table"
)

// Element is one block of the page's main content.
type Element struct {
	Type     ElementType `json:"type"`
	Text     string      `json:"text"`
	Level    int         `json:"level,omitempty"`    // Heading depth, 1-6.
	Language string      `json:"language,omitempty"` // Code language hint.
}

// Metadata describes the page itself.
type Metadata struct {
	Title       string `json:"title,omitempty"`
	URL         string `json:"url,omitempty"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`
	Language    string `json:"language,omitempty"`
}

// Fields returns the metadata as the map template page sources read from.
func (m Metadata) Fields() map[string]string {
	out := make(map[string]string, 5)
	for k, v := range map[string]string{
		"title":       m.Title,
		"url":         m.URL,
		"description": m.Description,
		"author":      m.Author,
		"language":    m.Language,
	} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// MainContent holds the page body in document order.
type MainContent struct {
	Elements []Element `json:"elements"`
}

// KeyInfo is the analyzer's digest of the page.
type KeyInfo struct {
	Summary   string   `json:"summary,omitempty"`
	KeyPoints []string `json:"keyPoints,omitempty"`
	Entities  []string `json:"entities,omitempty"`
	Topics    []string `json:"topics,omitempty"`
}

// Analysis is the analyzed page handed over by the content script.
type Analysis struct {
	ContentType string       `json:"contentType,omitempty"`
	Metadata    Metadata     `json:"metadata"`
	MainContent *MainContent `json:"mainContent,omitempty"`
	KeyInfo     KeyInfo      `json:"keyInfo"`
}
