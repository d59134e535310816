package lifecycle

import (
	"unicode/utf8"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/115Studio/chat-backend/store"
)

// MaxTextLength is the longest text stage a user may send, in characters.
const MaxTextLength = 2500

// userContent lists the stage types users may author and the content kind
// each must carry.
var userContent = map[store.StageType]store.ContentType{
	store.StageTypeText:   store.ContentTypeText,
	store.StageTypeVision: store.ContentTypeVision,
	store.StageTypeFile:   store.ContentTypeFile,
}

// normalizeUserStages validates submitted stages and assigns them fresh
// ids.
func normalizeUserStages(in []store.MessageStage) ([]store.MessageStage, error) {
	if len(in) == 0 {
		return nil, errors.Wrap(ErrInvalidStages, "message has no stages")
	}
	out := make([]store.MessageStage, 0, len(in))
	for i, s := range in {
		kind, ok := userContent[s.Type]
		if !ok {
			return nil, errors.Wrapf(ErrInvalidStages, "stage %d: type %q cannot be sent", i, s.Type)
		}
		if s.Content == nil || s.Content.Value == "" {
			return nil, errors.Wrapf(ErrInvalidStages, "stage %d: empty content", i)
		}
		if s.Content.Type != kind {
			return nil, errors.Wrapf(ErrInvalidStages, "stage %d: %s stage with %s content", i, s.Type, s.Content.Type)
		}
		if utf8.RuneCountInString(s.Content.Value) > MaxTextLength {
			return nil, errors.Wrapf(ErrInvalidStages, "stage %d: longer than %d characters", i, MaxTextLength)
		}
		out = append(out, store.MessageStage{
			ID:      shortuuid.New(),
			Type:    s.Type,
			Content: &store.StageContent{Type: kind, Value: s.Content.Value},
		})
	}
	return out, nil
}

func firstText(stages []store.MessageStage) string {
	for _, s := range stages {
		if s.Type == store.StageTypeText && s.Content != nil {
			return s.Content.Value
		}
	}
	return ""
}
