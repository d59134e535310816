package store

// MessageState is the lifecycle state of a message.
type MessageState int

const (
	MessageStateCreated MessageState = iota
	MessageStateStreaming
	MessageStateCompleted
	MessageStateFailed
)

// IsTerminal reports whether no further stage updates are expected.
func (s MessageState) IsTerminal() bool {
	return s == MessageStateCompleted || s == MessageStateFailed
}

func (s MessageState) String() string {
	switch s {
	case MessageStateCreated:
		return "created"
	case MessageStateStreaming:
		return "streaming"
	case MessageStateCompleted:
		return "completed"
	case MessageStateFailed:
		return "failed"
	}
	return "unknown"
}

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// StageType is the semantic kind of a stage within a message.
type StageType string

const (
	StageTypeText        StageType = "text"
	StageTypeReasoning   StageType = "reasoning"
	StageTypeImageGen    StageType = "image_gen"
	StageTypeWebSearch   StageType = "web_search"
	StageTypeAudioGen    StageType = "audio_gen"
	StageTypeVision      StageType = "vision"
	StageTypeFile        StageType = "file"
	StageTypeLink        StageType = "link"
	StageTypeError       StageType = "error"
	StageTypeUnsupported StageType = "unsupported"
)

// Appends reports whether successive updates of this type are
// concatenated instead of replacing the previous value.
func (t StageType) Appends() bool {
	return t == StageTypeText || t == StageTypeReasoning
}

// ContentType tells clients how to render a stage value.
type ContentType string

const (
	ContentTypeText   ContentType = "text"
	ContentTypeVision ContentType = "vision"
	ContentTypeSearch ContentType = "search"
	ContentTypeAudio  ContentType = "audio"
	ContentTypeFile   ContentType = "file"
	ContentTypeURL    ContentType = "url"
)

type StageContent struct {
	Type  ContentType `json:"type"`
	Value string      `json:"value"`
}

// MessageStage is one ordered, typed segment of a message.
type MessageStage struct {
	ID      string        `json:"id"`
	Type    StageType     `json:"type"`
	Content *StageContent `json:"content,omitempty"`
}

// Text returns the stage value, or "" when the stage has no content.
func (s MessageStage) Text() string {
	if s.Content == nil {
		return ""
	}
	return s.Content.Value
}

type Message struct {
	ID        string         `json:"id"`
	GroupID   string         `json:"groupId"`
	ChannelID string         `json:"channelId"`
	UserID    string         `json:"userId"`
	State     MessageState   `json:"state"`
	Role      Role           `json:"role"`
	Model     string         `json:"model,omitempty"`
	Stages    []MessageStage `json:"stages"`
	CreatedAt int64          `json:"createdAt"`
	UpdatedAt int64          `json:"updatedAt"`
}

// FindMessage filters for ListMessages. Results are ordered newest first.
type FindMessage struct {
	ID        *string
	ChannelID *string
	UserID    *string
	GroupID   *string
	// CreatedBefore keeps messages strictly older than the given unix ms.
	CreatedBefore *int64
	Limit         int
}

// UpdateMessage carries the fields accepted by UpdateMessage. Nil fields
// are left untouched.
type UpdateMessage struct {
	ID        string
	State     *MessageState
	Stages    []MessageStage
	Model     *string
	UpdatedAt int64
	// OnlyPending restricts the update to messages still Created or
	// Streaming, so a terminal record is never rewritten.
	OnlyPending bool
}
