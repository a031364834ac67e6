package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/germanamz/pagechat/pkg/llm"
	"github.com/germanamz/pagechat/pkg/orchestrator"
	"github.com/germanamz/pagechat/pkg/pagectx"
)

func runAsk(ctx context.Context, args []string) error {
	fs := newFlagSet("ask", "[flags] <message>", "Ask a question, optionally about a page read from a file.")
	g := registerGlobal(fs)
	session := fs.String("session", "cli", "session id")
	templateID := fs.String("template", "", "template id")
	model := fs.String("model", "", "model override")
	pageFile := fs.String("page", "", "page text file (- for stdin)")
	title := fs.String("title", "", "page title")
	url := fs.String("url", "", "page URL")
	selection := fs.String("selection", "", "selected text")
	stream := fs.Bool("stream", true, "stream the answer")
	noCache := fs.Bool("no-cache", false, "bypass the request cache")
	vars := map[string]any{}
	fs.Func("var", "template variable name=value (repeatable)", func(s string) error {
		name, value, ok := strings.Cut(s, "=")
		if !ok || name == "" {
			return fmt.Errorf("expected name=value, got %q", s)
		}
		vars[name] = value
		return nil
	})
	_ = fs.Parse(args)

	opts, err := g.options()
	if err != nil {
		return err
	}

	in := orchestrator.AskInput{
		SessionID:   *session,
		UserMessage: strings.Join(fs.Args(), " "),
		Selection:   *selection,
		TemplateID:  *templateID,
		Variables:   vars,
		Overrides:   orchestrator.Overrides{NoCache: *noCache},
	}
	if *model != "" {
		in.Overrides.Model = model
	}

	text, err := readPage(*pageFile)
	if err != nil {
		return err
	}
	in.Page = pageFromText(*title, *url, text)

	a, err := openApp(ctx, opts, true)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if !*stream {
		res, err := a.asker.Ask(ctx, in)
		if err != nil {
			return err
		}
		fmt.Println(res.Response.Content())
		printFooter(res)
		return nil
	}

	s, err := a.asker.AskStream(ctx, in)
	if err != nil {
		return err
	}

	for c, err := range s.All(ctx) {
		if err != nil {
			fmt.Println()
			return err
		}
		if c.Type == llm.ChunkContent {
			fmt.Print(c.Delta)
		}
	}
	fmt.Println()

	if res := s.Info(); res.Response != nil {
		printFooter(res)
	}

	return nil
}

func printFooter(res *orchestrator.Result) {
	r := res.Response
	cached := ""
	if res.Cached() {
		cached = ", cached"
	}
	fmt.Fprintf(os.Stderr, "\n[%s, %d tokens, $%.6f%s]\n", res.Model, r.Usage.TotalTokens, r.Cost, cached)
}

func readPage(path string) (string, error) {
	switch path {
	case "":
		return "", nil
	case "-":
		b, err := io.ReadAll(os.Stdin)
		return string(b), err
	}

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("page file %q does not exist", path)
	}
	return string(b), err
}

// pageFromText turns plain text into a page analysis. Lines starting with #
// become headings and blank lines separate paragraphs.
func pageFromText(title, url, text string) *pagectx.Analysis {
	if title == "" && url == "" && strings.TrimSpace(text) == "" {
		return nil
	}

	a := &pagectx.Analysis{Metadata: pagectx.Metadata{Title: title, URL: url}}

	var elements []pagectx.Element
	for _, block := range strings.Split(text, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}

		if level := headingLevel(block); level > 0 && !strings.Contains(block, "\n") {
			elements = append(elements, pagectx.Element{
				Type:  pagectx.Heading,
				Text:  strings.TrimSpace(block[level:]),
				Level: level,
			})
			continue
		}

		elements = append(elements, pagectx.Element{Type: pagectx.Paragraph, Text: block})
	}
	if len(elements) > 0 {
		a.MainContent = &pagectx.MainContent{Elements: elements}
	}

	return a
}

func headingLevel(s string) int {
	n := 0
	for n < len(s) && n < 6 && s[n] == '#' {
		n++
	}
	if n == 0 || n >= len(s) || s[n] != ' ' {
		return 0
	}
	return n
}
