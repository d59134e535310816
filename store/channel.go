package store

type Channel struct {
	ID        string `json:"id"`
	OwnerID   string `json:"ownerId"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// FindChannel filters for ListChannels. Results are ordered by most
// recent activity.
type FindChannel struct {
	ID      *string
	OwnerID *string
}

type UpdateChannel struct {
	ID        string
	Name      *string
	UpdatedAt int64
}
