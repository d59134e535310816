package ai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"

	"github.com/sashabaranov/go-openai"

	"github.com/115Studio/chat-backend/store"
)

// OpenAIProvider streams completions from any OpenAI compatible endpoint,
// OpenRouter included.
type OpenAIProvider struct {
	client *openai.Client
}

func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(config)}
}

func (p *OpenAIProvider) Stream(ctx context.Context, req *Request) (Stream, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.History),
		User:     req.UserID,
		Stream:   true,
	})
	if err != nil {
		return nil, err
	}
	return NewOpenAIStream(stream), nil
}

func toOpenAIMessages(history []*store.Message) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		if m.Role == store.RoleAssistant {
			text := PlainText(m)
			if text == "" {
				continue
			}
			messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: text})
			continue
		}

		var parts []openai.ChatMessagePart
		for _, s := range m.Stages {
			if s.Content == nil || s.Content.Value == "" {
				continue
			}
			switch s.Type {
			case store.StageTypeText:
				parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: s.Content.Value})
			case store.StageTypeVision:
				parts = append(parts, openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: s.Content.Value},
				})
			}
		}
		if len(parts) == 0 {
			continue
		}
		if len(parts) == 1 && parts[0].Type == openai.ChatMessagePartTypeText {
			messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: parts[0].Text})
			continue
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts})
	}
	return messages
}

type chunkReceiver interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

type pendingCall struct {
	id   string
	name string
	args []byte
}

// OpenAIStream turns chat completion chunks into frames. Tool call deltas
// after the first carry only an index, so calls are tracked by index and
// every frame is stamped with the call id.
type OpenAIStream struct {
	recv    chunkReceiver
	queue   []Frame
	calls   map[int]*pendingCall
	flushed bool
}

func NewOpenAIStream(stream *openai.ChatCompletionStream) *OpenAIStream {
	return newOpenAIStream(stream)
}

func newOpenAIStream(recv chunkReceiver) *OpenAIStream {
	return &OpenAIStream{recv: recv, calls: map[int]*pendingCall{}}
}

func (s *OpenAIStream) Next(ctx context.Context) (Frame, error) {
	for len(s.queue) == 0 {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		chunk, err := s.recv.Recv()
		if errors.Is(err, io.EOF) {
			s.flushCalls()
			if len(s.queue) == 0 {
				return Frame{}, io.EOF
			}
			break
		}
		if err != nil {
			return Frame{}, err
		}
		s.consume(chunk)
	}
	f := s.queue[0]
	s.queue = s.queue[1:]
	return f, nil
}

func (s *OpenAIStream) Close() error {
	return s.recv.Close()
}

func (s *OpenAIStream) consume(chunk openai.ChatCompletionStreamResponse) {
	for _, choice := range chunk.Choices {
		delta := choice.Delta
		if delta.ReasoningContent != "" {
			s.queue = append(s.queue, Frame{Kind: FrameReasoning, Text: delta.ReasoningContent})
		}
		if delta.Content != "" {
			s.queue = append(s.queue, Frame{Kind: FrameText, Text: delta.Content})
		}
		for i, tc := range delta.ToolCalls {
			index := i
			if tc.Index != nil {
				index = *tc.Index
			}
			call, ok := s.calls[index]
			if !ok {
				call = &pendingCall{id: tc.ID, name: tc.Function.Name}
				s.calls[index] = call
				s.queue = append(s.queue, Frame{Kind: FrameToolStart, CallID: call.id, ToolName: call.name})
			}
			if tc.Function.Arguments != "" {
				call.args = append(call.args, tc.Function.Arguments...)
				s.queue = append(s.queue, Frame{Kind: FrameToolDelta, CallID: call.id, ArgsDelta: tc.Function.Arguments})
			}
		}
		if choice.FinishReason != "" {
			s.flushCalls()
			s.queue = append(s.queue, Frame{Kind: FrameMeta})
		}
	}
}

// flushCalls emits a complete tool call frame for every tracked call, in
// index order, once.
func (s *OpenAIStream) flushCalls() {
	if s.flushed || len(s.calls) == 0 {
		return
	}
	s.flushed = true
	indexes := make([]int, 0, len(s.calls))
	for i := range s.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		call := s.calls[i]
		args := json.RawMessage(call.args)
		if !json.Valid(args) {
			args = nil
		}
		s.queue = append(s.queue, Frame{Kind: FrameToolCall, CallID: call.id, ToolName: call.name, Args: args})
	}
}
