package store

import "context"

// UpsertDraft stores the latest draft for (user, channel), replacing any
// previous one.
func (s *Store) UpsertDraft(ctx context.Context, upsert *Draft) error {
	return s.driver.UpsertDraft(ctx, upsert)
}

func (s *Store) ListDrafts(ctx context.Context, find *FindDraft) ([]*Draft, error) {
	return s.driver.ListDrafts(ctx, find)
}

func (s *Store) DeleteDraft(ctx context.Context, userID, channelID string) error {
	return s.driver.DeleteDraft(ctx, userID, channelID)
}
