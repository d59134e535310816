package store

import "context"

func (s *Store) CreateChannel(ctx context.Context, create *Channel) (*Channel, error) {
	return s.driver.CreateChannel(ctx, create)
}

func (s *Store) ListChannels(ctx context.Context, find *FindChannel) ([]*Channel, error) {
	return s.driver.ListChannels(ctx, find)
}

// GetChannel returns the first channel matching find, or nil when none does.
func (s *Store) GetChannel(ctx context.Context, find *FindChannel) (*Channel, error) {
	list, err := s.driver.ListChannels(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) UpdateChannel(ctx context.Context, update *UpdateChannel) (*Channel, error) {
	return s.driver.UpdateChannel(ctx, update)
}

// DeleteChannel deletes a channel together with its messages and drafts.
func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	return s.driver.DeleteChannel(ctx, id)
}
