package store

// Draft is the unsent composer content a user has typed into a channel.
type Draft struct {
	UserID    string         `json:"-"`
	ChannelID string         `json:"channelId"`
	Stages    []MessageStage `json:"stages"`
	UpdatedAt int64          `json:"updatedAt"`
}

type FindDraft struct {
	UserID    string
	ChannelID *string
}
