// Package stage turns provider frames into ordered message stages and
// persists them while an assistant reply is streaming.
package stage

import "github.com/115Studio/chat-backend/store"

// Update is one normalized change to a stage of an in-flight message.
type Update struct {
	ID      string
	Type    store.StageType
	Content store.StageContent
}

func (u Update) Stage() store.MessageStage {
	content := u.Content
	return store.MessageStage{ID: u.ID, Type: u.Type, Content: &content}
}

// contentType is the render hint clients get for each stage type.
func contentType(t store.StageType) store.ContentType {
	switch t {
	case store.StageTypeImageGen, store.StageTypeVision:
		return store.ContentTypeVision
	case store.StageTypeAudioGen:
		return store.ContentTypeAudio
	case store.StageTypeWebSearch:
		return store.ContentTypeSearch
	case store.StageTypeFile:
		return store.ContentTypeFile
	case store.StageTypeLink:
		return store.ContentTypeURL
	}
	return store.ContentTypeText
}
