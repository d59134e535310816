// Package ai decodes vendor streaming responses into provider-neutral
// frames and wraps the upstream model APIs used for chat completion and
// channel titling.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
)

// FrameKind is the shape of one decoded upstream event.
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameReasoning
	// FrameToolStart announces a tool invocation by call id and name.
	FrameToolStart
	FrameToolDelta
	// FrameToolCall carries the complete arguments of an invocation.
	FrameToolCall
	FrameToolResult
	// FrameFile carries a base64 payload produced by the model.
	FrameFile
	FrameSource
	FrameError
	// FrameMeta covers step boundaries, finish markers, annotations and
	// signatures. They carry nothing a client renders.
	FrameMeta
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameReasoning:
		return "reasoning"
	case FrameToolStart:
		return "tool_start"
	case FrameToolDelta:
		return "tool_delta"
	case FrameToolCall:
		return "tool_call"
	case FrameToolResult:
		return "tool_result"
	case FrameFile:
		return "file"
	case FrameSource:
		return "source"
	case FrameError:
		return "error"
	case FrameMeta:
		return "meta"
	}
	return fmt.Sprintf("frame(%d)", int(k))
}

// Frame is a tagged union; which fields are set depends on Kind.
type Frame struct {
	Kind FrameKind

	// Text is the delta for text and reasoning frames and the message of
	// error frames.
	Text string

	CallID    string
	ToolName  string
	ArgsDelta string
	Args      json.RawMessage
	Result    json.RawMessage

	// Data is base64 encoded file content.
	Data     string
	MimeType string

	URL   string
	Title string
}

// Stream is a finite, non-restartable sequence of frames. Next returns
// io.EOF once the upstream is exhausted. A *DecodeError means a single
// frame could not be decoded and the stream may continue; any other error
// is fatal.
type Stream interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// DecodeError reports an upstream event that could not be decoded.
type DecodeError struct {
	Raw string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed frame %q: %v", truncate(e.Raw, 64), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
