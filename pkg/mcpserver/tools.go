package mcpserver

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/germanamz/pagechat/pkg/chaterr"
	"github.com/germanamz/pagechat/pkg/orchestrator"
	"github.com/germanamz/pagechat/pkg/pagectx"
	"github.com/germanamz/pagechat/pkg/prompts"
	"github.com/germanamz/pagechat/pkg/reqcache"
)

type askInput struct {
	Message    string         `json:"message"`
	SessionID  string         `json:"sessionId"`
	URL        string         `json:"url"`
	Title      string         `json:"title"`
	Text       string         `json:"text"`
	Selection  string         `json:"selection"`
	TemplateID string         `json:"templateId"`
	Variables  map[string]any `json:"variables"`
	Model      string         `json:"model"`
	NoCache    bool           `json:"noCache"`
}

const askSchema = `{
  "type": "object",
  "properties": {
    "message":    {"type": "string", "description": "The question. May start with a template shortcut such as /summarize."},
    "sessionId":  {"type": "string", "description": "Asks with the same session id are answered in order."},
    "url":        {"type": "string"},
    "title":      {"type": "string"},
    "text":       {"type": "string", "description": "Page text. Blank lines separate paragraphs."},
    "selection":  {"type": "string"},
    "templateId": {"type": "string"},
    "variables":  {"type": "object"},
    "model":      {"type": "string"},
    "noCache":    {"type": "boolean"}
  },
  "required": ["message"]
}`

// AskPage answers a question about a page through o.
func AskPage(o *orchestrator.Orchestrator) Tool {
	return Tool{
		Name:        "ask_page",
		Description: "Ask a question about a web page. Returns the model's answer.",
		InputSchema: json.RawMessage(askSchema),
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var in askInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return "", chaterr.Wrap(chaterr.Validation, err, "invalid arguments")
			}

			ask := orchestrator.AskInput{
				SessionID:   in.SessionID,
				UserMessage: in.Message,
				Page:        pageOf(in),
				Selection:   in.Selection,
				TemplateID:  in.TemplateID,
				Variables:   in.Variables,
				Overrides:   orchestrator.Overrides{NoCache: in.NoCache},
			}
			if in.Model != "" {
				ask.Overrides.Model = &in.Model
			}

			res, err := o.Ask(ctx, ask)
			if err != nil {
				return "", err
			}

			return res.Response.Content(), nil
		},
	}
}

func pageOf(in askInput) *pagectx.Analysis {
	if in.URL == "" && in.Title == "" && strings.TrimSpace(in.Text) == "" {
		return nil
	}

	a := &pagectx.Analysis{Metadata: pagectx.Metadata{Title: in.Title, URL: in.URL}}

	var elements []pagectx.Element
	for _, p := range strings.Split(in.Text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			elements = append(elements, pagectx.Element{Type: pagectx.Paragraph, Text: p})
		}
	}
	if len(elements) > 0 {
		a.MainContent = &pagectx.MainContent{Elements: elements}
	}

	return a
}

type templateInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Shortcuts   []string `json:"shortcuts,omitempty"`
}

// ListTemplates lists the prompt templates in l, optionally by category.
func ListTemplates(l *prompts.Library) Tool {
	return Tool{
		Name:        "list_templates",
		Description: "List the prompt templates and their shortcuts.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"category":{"type":"string"}}}`),
		Handler: func(_ context.Context, raw json.RawMessage) (string, error) {
			var in struct {
				Category string `json:"category"`
			}
			if err := json.Unmarshal(raw, &in); err != nil {
				return "", chaterr.Wrap(chaterr.Validation, err, "invalid arguments")
			}

			var out []templateInfo
			for _, t := range l.List(in.Category) {
				out = append(out, templateInfo{
					ID:          t.ID,
					Name:        t.Name,
					Description: t.Description,
					Category:    t.Category,
					Shortcuts:   t.Shortcuts,
				})
			}

			b, err := json.Marshal(out)
			return string(b), err
		},
	}
}

// CacheStats reports the request cache counters.
func CacheStats(c *reqcache.Cache) Tool {
	return Tool{
		Name:        "cache_stats",
		Description: "Report request cache hits, misses and size.",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Handler: func(context.Context, json.RawMessage) (string, error) {
			b, err := json.Marshal(c.Stats())
			return string(b), err
		},
	}
}

// Tools returns every tool the pipeline supports. Nil collaborators drop
// their tools.
func Tools(o *orchestrator.Orchestrator, c *reqcache.Cache) []Tool {
	tools := []Tool{AskPage(o)}
	if l := o.Templates(); l != nil {
		tools = append(tools, ListTemplates(l))
	}
	if c != nil {
		tools = append(tools, CacheStats(c))
	}
	return tools
}
