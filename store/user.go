package store

type User struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Email         string   `json:"email,omitempty"`
	DefaultModel  string   `json:"defaultModel,omitempty"`
	DisplayModels []string `json:"displayModels"`
	CreatedAt     int64    `json:"createdAt"`
}

type FindUser struct {
	ID    *string
	Email *string
}
