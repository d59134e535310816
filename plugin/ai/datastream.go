package ai

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// maxLineSize bounds a single data stream line. File parts carry inline
// base64 so lines can be large.
const maxLineSize = 8 << 20

// DataStream decodes the data stream line protocol: one part per line,
// formatted as "<code>:<json>".
type DataStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func NewDataStream(body io.ReadCloser) *DataStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 512*1024), maxLineSize)
	return &DataStream{body: body, scanner: scanner}
}

func (s *DataStream) Next(ctx context.Context) (Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return Frame{}, errors.Wrap(err, "failed to read data stream")
			}
			return Frame{}, io.EOF
		}
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		return parseDataStreamLine(line)
	}
}

func (s *DataStream) Close() error {
	return s.body.Close()
}

func parseDataStreamLine(line string) (Frame, error) {
	code, payload, ok := strings.Cut(line, ":")
	if !ok || code == "" {
		return Frame{}, &DecodeError{Raw: line, Err: errors.New("missing part code")}
	}
	raw := []byte(payload)
	bad := func(err error) (Frame, error) {
		return Frame{}, &DecodeError{Raw: line, Err: err}
	}

	switch code {
	case "0", "g", "3":
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return bad(err)
		}
		kind := FrameText
		if code == "g" {
			kind = FrameReasoning
		} else if code == "3" {
			kind = FrameError
		}
		return Frame{Kind: kind, Text: text}, nil
	case "i":
		var part struct {
			Data string `json:"data"`
		}
		if err := json.Unmarshal(raw, &part); err != nil {
			return bad(err)
		}
		return Frame{Kind: FrameReasoning, Text: part.Data}, nil
	case "b":
		var part struct {
			ToolCallID string `json:"toolCallId"`
			ToolName   string `json:"toolName"`
		}
		if err := json.Unmarshal(raw, &part); err != nil {
			return bad(err)
		}
		return Frame{Kind: FrameToolStart, CallID: part.ToolCallID, ToolName: part.ToolName}, nil
	case "c":
		var part struct {
			ToolCallID    string `json:"toolCallId"`
			ArgsTextDelta string `json:"argsTextDelta"`
		}
		if err := json.Unmarshal(raw, &part); err != nil {
			return bad(err)
		}
		return Frame{Kind: FrameToolDelta, CallID: part.ToolCallID, ArgsDelta: part.ArgsTextDelta}, nil
	case "9":
		var part struct {
			ToolCallID string          `json:"toolCallId"`
			ToolName   string          `json:"toolName"`
			Args       json.RawMessage `json:"args"`
		}
		if err := json.Unmarshal(raw, &part); err != nil {
			return bad(err)
		}
		return Frame{Kind: FrameToolCall, CallID: part.ToolCallID, ToolName: part.ToolName, Args: part.Args}, nil
	case "a":
		var part struct {
			ToolCallID string          `json:"toolCallId"`
			Result     json.RawMessage `json:"result"`
		}
		if err := json.Unmarshal(raw, &part); err != nil {
			return bad(err)
		}
		return Frame{Kind: FrameToolResult, CallID: part.ToolCallID, Result: part.Result}, nil
	case "k":
		var part struct {
			Data     string `json:"data"`
			MimeType string `json:"mimeType"`
		}
		if err := json.Unmarshal(raw, &part); err != nil {
			return bad(err)
		}
		return Frame{Kind: FrameFile, Data: part.Data, MimeType: part.MimeType}, nil
	case "h":
		var part struct {
			URL   string `json:"url"`
			Title string `json:"title"`
		}
		if err := json.Unmarshal(raw, &part); err != nil {
			return bad(err)
		}
		return Frame{Kind: FrameSource, URL: part.URL, Title: part.Title}, nil
	case "2", "8", "d", "e", "f", "j":
		if !json.Valid(raw) {
			return bad(errors.New("invalid json payload"))
		}
		return Frame{Kind: FrameMeta}, nil
	}
	// Unknown codes are newer protocol parts; they carry nothing renderable.
	return Frame{Kind: FrameMeta}, nil
}
