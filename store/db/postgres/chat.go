package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/115Studio/chat-backend/store"
)

func (d *DB) CreateUser(ctx context.Context, create *store.User) (*store.User, error) {
	models, err := store.EncodeStrings(create.DisplayModels)
	if err != nil {
		return nil, err
	}
	stmt := `INSERT INTO users (id, name, email, default_model, display_models, created_at)
	         VALUES (` + placeholders(6) + `)`
	if _, err := d.db.ExecContext(ctx, stmt,
		create.ID, create.Name, create.Email, create.DefaultModel, models, create.CreatedAt,
	); err != nil {
		return nil, err
	}
	return create, nil
}

func (d *DB) ListUsers(ctx context.Context, find *store.FindUser) ([]*store.User, error) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.ID; v != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.Email; v != nil {
		where, args = append(where, "email = "+placeholder(len(args)+1)), append(args, *v)
	}
	query := fmt.Sprintf(
		`SELECT id, name, email, default_model, display_models, created_at
		 FROM users WHERE %s ORDER BY created_at ASC`,
		strings.Join(where, " AND "),
	)
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*store.User
	for rows.Next() {
		u := &store.User{}
		var models string
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.DefaultModel, &models, &u.CreatedAt); err != nil {
			return nil, err
		}
		if u.DisplayModels, err = store.DecodeStrings(models); err != nil {
			return nil, err
		}
		list = append(list, u)
	}
	return list, rows.Err()
}

func (d *DB) CreateChannel(ctx context.Context, create *store.Channel) (*store.Channel, error) {
	stmt := `INSERT INTO channels (id, owner_id, name, created_at, updated_at)
	         VALUES (` + placeholders(5) + `)`
	if _, err := d.db.ExecContext(ctx, stmt,
		create.ID, create.OwnerID, create.Name, create.CreatedAt, create.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return create, nil
}

func (d *DB) ListChannels(ctx context.Context, find *store.FindChannel) ([]*store.Channel, error) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.ID; v != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.OwnerID; v != nil {
		where, args = append(where, "owner_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	query := fmt.Sprintf(
		`SELECT id, owner_id, name, created_at, updated_at
		 FROM channels WHERE %s ORDER BY updated_at DESC`,
		strings.Join(where, " AND "),
	)
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*store.Channel
	for rows.Next() {
		c := &store.Channel{}
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Name, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

func (d *DB) UpdateChannel(ctx context.Context, update *store.UpdateChannel) (*store.Channel, error) {
	set, args := []string{}, []any{}
	if v := update.Name; v != nil {
		set, args = append(set, "name = "+placeholder(len(args)+1)), append(args, *v)
	}
	if update.UpdatedAt != 0 {
		set, args = append(set, "updated_at = "+placeholder(len(args)+1)), append(args, update.UpdatedAt)
	}
	if len(set) == 0 {
		list, err := d.ListChannels(ctx, &store.FindChannel{ID: &update.ID})
		if err != nil || len(list) == 0 {
			return nil, err
		}
		return list[0], nil
	}
	args = append(args, update.ID)
	stmt := fmt.Sprintf(
		`UPDATE channels SET %s WHERE id = %s
		 RETURNING id, owner_id, name, created_at, updated_at`,
		strings.Join(set, ", "), placeholder(len(args)),
	)
	c := &store.Channel{}
	if err := d.db.QueryRowContext(ctx, stmt, args...).
		Scan(&c.ID, &c.OwnerID, &c.Name, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return c, nil
}

func (d *DB) DeleteChannel(ctx context.Context, id string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM synced_drafts WHERE channel_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE channel_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE id = $1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *DB) CreateMessage(ctx context.Context, create *store.Message) (*store.Message, error) {
	stages, err := store.EncodeStages(create.Stages)
	if err != nil {
		return nil, err
	}
	stmt := `INSERT INTO messages (id, group_id, channel_id, user_id, state, role, model, stages, created_at, updated_at)
	         VALUES (` + placeholders(10) + `)`
	if _, err := d.db.ExecContext(ctx, stmt,
		create.ID, create.GroupID, create.ChannelID, create.UserID, int(create.State),
		string(create.Role), create.Model, stages, create.CreatedAt, create.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return create, nil
}

func (d *DB) ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.ID; v != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.ChannelID; v != nil {
		where, args = append(where, "channel_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.UserID; v != nil {
		where, args = append(where, "user_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.GroupID; v != nil {
		where, args = append(where, "group_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.CreatedBefore; v != nil {
		where, args = append(where, "created_at < "+placeholder(len(args)+1)), append(args, *v)
	}
	query := fmt.Sprintf(
		`SELECT id, group_id, channel_id, user_id, state, role, model, stages, created_at, updated_at
		 FROM messages WHERE %s ORDER BY created_at DESC, id DESC`,
		strings.Join(where, " AND "),
	)
	if find.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", find.Limit)
	}
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*store.Message
	for rows.Next() {
		m := &store.Message{}
		var state int
		var role, stages string
		if err := rows.Scan(&m.ID, &m.GroupID, &m.ChannelID, &m.UserID, &state, &role, &m.Model, &stages, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.State, m.Role = store.MessageState(state), store.Role(role)
		if m.Stages, err = store.DecodeStages(stages); err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

func (d *DB) UpdateMessage(ctx context.Context, update *store.UpdateMessage) error {
	set, args := []string{}, []any{}
	if v := update.State; v != nil {
		set, args = append(set, "state = "+placeholder(len(args)+1)), append(args, int(*v))
	}
	if update.Stages != nil {
		stages, err := store.EncodeStages(update.Stages)
		if err != nil {
			return err
		}
		set, args = append(set, "stages = "+placeholder(len(args)+1)), append(args, stages)
	}
	if v := update.Model; v != nil {
		set, args = append(set, "model = "+placeholder(len(args)+1)), append(args, *v)
	}
	if update.UpdatedAt != 0 {
		set, args = append(set, "updated_at = "+placeholder(len(args)+1)), append(args, update.UpdatedAt)
	}
	if len(set) == 0 {
		return nil
	}
	args = append(args, update.ID)
	where := "id = " + placeholder(len(args))
	if update.OnlyPending {
		where += fmt.Sprintf(" AND state IN (%d, %d)", store.MessageStateCreated, store.MessageStateStreaming)
	}
	stmt := fmt.Sprintf(`UPDATE messages SET %s WHERE %s`, strings.Join(set, ", "), where)
	_, err := d.db.ExecContext(ctx, stmt, args...)
	return err
}

func (d *DB) UpsertDraft(ctx context.Context, upsert *store.Draft) error {
	stages, err := store.EncodeStages(upsert.Stages)
	if err != nil {
		return err
	}
	stmt := `INSERT INTO synced_drafts (user_id, channel_id, stages, updated_at)
	         VALUES ($1, $2, $3, $4)
	         ON CONFLICT (user_id, channel_id) DO UPDATE SET stages = EXCLUDED.stages, updated_at = EXCLUDED.updated_at`
	_, err = d.db.ExecContext(ctx, stmt, upsert.UserID, upsert.ChannelID, stages, upsert.UpdatedAt)
	return err
}

func (d *DB) ListDrafts(ctx context.Context, find *store.FindDraft) ([]*store.Draft, error) {
	where, args := []string{"user_id = $1"}, []any{find.UserID}
	if v := find.ChannelID; v != nil {
		where, args = append(where, "channel_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	query := fmt.Sprintf(
		`SELECT user_id, channel_id, stages, updated_at
		 FROM synced_drafts WHERE %s ORDER BY updated_at DESC`,
		strings.Join(where, " AND "),
	)
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*store.Draft
	for rows.Next() {
		dr := &store.Draft{}
		var stages string
		if err := rows.Scan(&dr.UserID, &dr.ChannelID, &stages, &dr.UpdatedAt); err != nil {
			return nil, err
		}
		if dr.Stages, err = store.DecodeStages(stages); err != nil {
			return nil, err
		}
		list = append(list, dr)
	}
	return list, rows.Err()
}

func (d *DB) DeleteDraft(ctx context.Context, userID, channelID string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM synced_drafts WHERE user_id = $1 AND channel_id = $2`, userID, channelID)
	return err
}
