package ai

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/115Studio/chat-backend/store"
)

// ErrNoProvider is returned when no provider is configured for a model.
var ErrNoProvider = errors.New("no provider for model")

// Request is one assistant turn to generate.
type Request struct {
	Model  string
	UserID string
	// History is the conversation so far, oldest first, ending with the
	// user message being answered.
	History []*store.Message
}

// Provider opens a streaming completion.
type Provider interface {
	Stream(ctx context.Context, req *Request) (Stream, error)
}

// Router picks a provider by model prefix. The longest matching prefix
// wins; models without a match go to the fallback.
type Router struct {
	fallback Provider
	routes   map[string]Provider
}

func NewRouter(fallback Provider) *Router {
	return &Router{fallback: fallback, routes: map[string]Provider{}}
}

// Handle routes models starting with prefix to p. The prefix is stripped
// from the model name before the request reaches p.
func (r *Router) Handle(prefix string, p Provider) {
	r.routes[prefix] = p
}

func (r *Router) Stream(ctx context.Context, req *Request) (Stream, error) {
	var (
		best    string
		matched Provider
	)
	for prefix, p := range r.routes {
		if strings.HasPrefix(req.Model, prefix) && len(prefix) > len(best) {
			best, matched = prefix, p
		}
	}
	if matched != nil {
		routed := *req
		routed.Model = strings.TrimPrefix(req.Model, best)
		return matched.Stream(ctx, &routed)
	}
	if r.fallback == nil {
		return nil, errors.Wrap(ErrNoProvider, req.Model)
	}
	return r.fallback.Stream(ctx, req)
}

// PlainText joins the text stages of a message.
func PlainText(m *store.Message) string {
	var b strings.Builder
	for _, s := range m.Stages {
		if s.Type != store.StageTypeText || s.Content == nil {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(s.Content.Value)
	}
	return b.String()
}
