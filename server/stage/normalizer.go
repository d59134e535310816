package stage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/lithammer/shortuuid/v4"

	"github.com/115Studio/chat-backend/plugin/ai"
	"github.com/115Studio/chat-backend/server/metrics"
	"github.com/115Studio/chat-backend/store"
)

// Uploader stores generated media and returns its public URL.
type Uploader interface {
	StoreBytes(ctx context.Context, userID string, data []byte) (string, error)
}

var toolTypes = map[string]store.StageType{
	"image_generation": store.StageTypeImageGen,
	"generate_image":   store.StageTypeImageGen,
	"imageGeneration":  store.StageTypeImageGen,
	"image_gen":        store.StageTypeImageGen,

	"web_search":         store.StageTypeWebSearch,
	"web_search_preview": store.StageTypeWebSearch,
	"webSearch":          store.StageTypeWebSearch,

	"audio_generation": store.StageTypeAudioGen,
	"generate_audio":   store.StageTypeAudioGen,
	"audioGeneration":  store.StageTypeAudioGen,
	"audio_gen":        store.StageTypeAudioGen,
}

// ToolStageType maps a tool name to the stage type it renders as.
func ToolStageType(name string) store.StageType {
	if t, ok := toolTypes[name]; ok {
		return t
	}
	return store.StageTypeUnsupported
}

type toolCall struct {
	name string
	typ  store.StageType
	args strings.Builder
}

// Normalizer reads provider frames and yields stage updates. Stage ids are
// assigned once per stage type per message: every frame resolving to the
// same type, across tool calls, updates the same stage.
type Normalizer struct {
	src      ai.Stream
	uploader Uploader
	userID   string
	newID    func() string

	stageIDs map[store.StageType]string
	calls    map[string]*toolCall
	queue    []Update
}

func NewNormalizer(src ai.Stream, uploader Uploader, userID string) *Normalizer {
	return &Normalizer{
		src:      src,
		uploader: uploader,
		userID:   userID,
		newID:    shortuuid.New,
		stageIDs: map[store.StageType]string{},
		calls:    map[string]*toolCall{},
	}
}

// Next returns the next update, io.EOF when the upstream ended, or the
// upstream transport error. Undecodable frames are logged and skipped.
func (n *Normalizer) Next(ctx context.Context) (Update, error) {
	for len(n.queue) == 0 {
		frame, err := n.src.Next(ctx)
		if err != nil {
			var frameErr *ai.DecodeError
			if errors.As(err, &frameErr) {
				slog.Warn("skipping malformed provider frame", "user", n.userID, "err", err)
				metrics.DroppedFrames.WithLabelValues("malformed").Inc()
				continue
			}
			return Update{}, err
		}
		n.handle(ctx, frame)
	}
	u := n.queue[0]
	n.queue = n.queue[1:]
	return u, nil
}

func (n *Normalizer) Close() error {
	return n.src.Close()
}

func (n *Normalizer) stageID(t store.StageType) string {
	id, ok := n.stageIDs[t]
	if !ok {
		id = n.newID()
		n.stageIDs[t] = id
	}
	return id
}

func (n *Normalizer) emit(t store.StageType, value string) {
	n.queue = append(n.queue, Update{
		ID:      n.stageID(t),
		Type:    t,
		Content: store.StageContent{Type: contentType(t), Value: value},
	})
}

func (n *Normalizer) handle(ctx context.Context, f ai.Frame) {
	switch f.Kind {
	case ai.FrameText:
		n.emit(store.StageTypeText, f.Text)
	case ai.FrameReasoning:
		n.emit(store.StageTypeReasoning, f.Text)
	case ai.FrameToolStart:
		call := n.track(f.CallID, f.ToolName)
		n.emitStatus(f.CallID, call, "started")
	case ai.FrameToolDelta:
		call, ok := n.calls[f.CallID]
		if !ok {
			slog.Warn("tool delta for unknown call", "user", n.userID, "call", f.CallID)
			metrics.DroppedFrames.WithLabelValues("unknown_call").Inc()
			return
		}
		call.args.WriteString(f.ArgsDelta)
		n.emitStatus(f.CallID, call, "running")
	case ai.FrameToolCall:
		call := n.track(f.CallID, f.ToolName)
		if len(f.Args) > 0 {
			call.args.Reset()
			call.args.Write(f.Args)
		}
		n.emitStatus(f.CallID, call, "called")
	case ai.FrameToolResult:
		call, ok := n.calls[f.CallID]
		if !ok {
			slog.Warn("tool result for unknown call", "user", n.userID, "call", f.CallID)
			metrics.DroppedFrames.WithLabelValues("unknown_call").Inc()
			return
		}
		n.handleResult(ctx, call, f.Result)
	case ai.FrameFile:
		data, err := decodeBase64(f.Data)
		if err != nil {
			slog.Warn("skipping undecodable file part", "user", n.userID, "mime", f.MimeType, "err", err)
			metrics.DroppedFrames.WithLabelValues("undecodable").Inc()
			return
		}
		if url, ok := n.upload(ctx, data); ok {
			n.emit(store.StageTypeFile, url)
		}
	case ai.FrameSource:
		if f.URL != "" {
			n.emit(store.StageTypeLink, f.URL)
		}
	case ai.FrameError:
		n.emit(store.StageTypeError, f.Text)
	default:
		metrics.DroppedFrames.WithLabelValues("meta").Inc()
	}
}

// track registers a call id on first sight. A later frame naming the same
// call keeps the type resolved first.
func (n *Normalizer) track(callID, toolName string) *toolCall {
	if call, ok := n.calls[callID]; ok {
		return call
	}
	call := &toolCall{name: toolName, typ: ToolStageType(toolName)}
	n.calls[callID] = call
	return call
}

func (n *Normalizer) emitStatus(callID string, call *toolCall, status string) {
	if call.typ == store.StageTypeUnsupported {
		metrics.DroppedFrames.WithLabelValues("unsupported_tool").Inc()
		return
	}
	doc := map[string]any{
		"callId": callID,
		"tool":   call.name,
		"status": status,
	}
	if args := call.args.String(); args != "" {
		if json.Valid([]byte(args)) {
			doc["args"] = json.RawMessage(args)
		} else {
			doc["args"] = args
		}
	}
	value, _ := json.Marshal(doc)
	n.emit(call.typ, string(value))
}

func (n *Normalizer) handleResult(ctx context.Context, call *toolCall, result json.RawMessage) {
	switch call.typ {
	case store.StageTypeImageGen, store.StageTypeAudioGen:
		for _, item := range mediaItems(result) {
			data, err := decodeBase64(item)
			if err != nil {
				slog.Warn("skipping undecodable tool media", "user", n.userID, "tool", call.name, "err", err)
				metrics.DroppedFrames.WithLabelValues("undecodable").Inc()
				continue
			}
			if url, ok := n.upload(ctx, data); ok {
				n.emit(call.typ, url)
			}
		}
	case store.StageTypeWebSearch:
		var compact bytes.Buffer
		if err := json.Compact(&compact, result); err != nil {
			slog.Warn("skipping malformed search result", "user", n.userID, "err", err)
			metrics.DroppedFrames.WithLabelValues("malformed").Inc()
			return
		}
		n.emit(store.StageTypeWebSearch, compact.String())
	default:
		metrics.DroppedFrames.WithLabelValues("unsupported_tool").Inc()
	}
}

func (n *Normalizer) upload(ctx context.Context, data []byte) (string, bool) {
	if n.uploader == nil {
		slog.Warn("no uploader configured, dropping media", "user", n.userID)
		return "", false
	}
	url, err := n.uploader.StoreBytes(ctx, n.userID, data)
	if err != nil {
		slog.Warn("failed to upload generated media", "user", n.userID, "err", err)
		metrics.DroppedFrames.WithLabelValues("upload").Inc()
		return "", false
	}
	return url, true
}

var mediaKeys = []string{"data", "b64_json", "base64", "image", "images", "audio", "result"}

// mediaItems pulls base64 payloads out of a tool result: a bare string,
// a list, or objects keyed by one of mediaKeys, nested arbitrarily.
func mediaItems(raw json.RawMessage) []string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	var out []string
	collectMedia(v, &out)
	return out
}

func collectMedia(v any, out *[]string) {
	switch v := v.(type) {
	case string:
		if v != "" {
			*out = append(*out, v)
		}
	case []any:
		for _, item := range v {
			collectMedia(item, out)
		}
	case map[string]any:
		for _, key := range mediaKeys {
			if item, ok := v[key]; ok {
				collectMedia(item, out)
			}
		}
	}
}

func decodeBase64(s string) ([]byte, error) {
	if _, payload, ok := strings.Cut(s, ";base64,"); ok && strings.HasPrefix(s, "data:") {
		s = payload
	}
	s = strings.TrimSpace(s)
	data, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return data, nil
	}
	if data, rawErr := base64.RawStdEncoding.DecodeString(s); rawErr == nil {
		return data, nil
	}
	if data, urlErr := base64.URLEncoding.DecodeString(s); urlErr == nil {
		return data, nil
	}
	return nil, err
}
