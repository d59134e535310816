package ai

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"golang.org/x/text/unicode/norm"
)

// DefaultTitle names a channel when summarizing fails.
const DefaultTitle = "New chat"

const maxTitleRunes = 64

// Titler asks a small model for a 1-3 word channel name.
type Titler struct {
	llm llms.Model
}

func NewTitler(apiKey, baseURL, model string) (*Titler, error) {
	llm, err := openai.New(
		openai.WithToken(apiKey),
		openai.WithBaseURL(baseURL),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create title model")
	}
	return &Titler{llm: llm}, nil
}

func (t *Titler) Summarize(ctx context.Context, content string) (string, error) {
	prompt := fmt.Sprintf(
		"Summarize the following message in 1-3 words to use as a chat title. "+
			"Answer with the title only, no quotes or punctuation.\n\n%s",
		content,
	)
	out, err := llms.GenerateFromSinglePrompt(ctx, t.llm, prompt, llms.WithMaxTokens(16), llms.WithTemperature(0.2))
	if err != nil {
		return "", errors.Wrap(err, "failed to summarize")
	}
	title := CleanTitle(out)
	if title == "" {
		return "", errors.New("model returned an empty title")
	}
	return title, nil
}

// CleanTitle strips markdown and quoting from model output and bounds its
// length.
func CleanTitle(raw string) string {
	source := []byte(strings.TrimSpace(raw))
	doc := goldmark.DefaultParser().Parse(text.NewReader(source))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n := n.(type) {
		case *ast.Text:
			b.Write(n.Segment.Value(source))
			if n.SoftLineBreak() || n.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.CodeSpan:
			for c := n.FirstChild(); c != nil; c = c.NextSibling() {
				if t, ok := c.(*ast.Text); ok {
					b.Write(t.Segment.Value(source))
				}
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	title := norm.NFC.String(strings.Join(strings.Fields(b.String()), " "))
	title = strings.Trim(title, "\"'`“”‘’.!?:;")
	title = strings.TrimSpace(title)
	if utf8.RuneCountInString(title) > maxTitleRunes {
		title = strings.TrimSpace(string([]rune(title)[:maxTitleRunes]))
	}
	return title
}
