package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/115Studio/chat-backend/server/auth"
	"github.com/115Studio/chat-backend/store"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Create a user if needed and print an access token for it.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		email, _ := cmd.Flags().GetString("email")
		name, _ := cmd.Flags().GetString("name")
		model, _ := cmd.Flags().GetString("default-model")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if email == "" {
			return errors.New("--email is required")
		}

		instanceProfile := loadProfile()
		if err := instanceProfile.Validate(); err != nil {
			return err
		}
		ctx := context.Background()
		storeInstance, err := openStore(ctx, instanceProfile)
		if err != nil {
			return err
		}
		defer storeInstance.Close()

		user, err := ensureUser(ctx, storeInstance, email, name, model)
		if err != nil {
			return err
		}
		var expiresAt time.Time
		if ttl > 0 {
			expiresAt = time.Now().Add(ttl)
		}
		token, err := auth.GenerateAccessToken(user.ID, "", expiresAt, []byte(instanceProfile.JWTSecret))
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "user %s (%s)\n", user.ID, user.Email)
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("email", "", "email of the user")
	tokenCmd.Flags().String("name", "", "display name for a new user")
	tokenCmd.Flags().String("default-model", "openai/gpt-4o-mini", "default model for a new user")
	tokenCmd.Flags().Duration("ttl", auth.AccessTokenDuration, "token lifetime, 0 for no expiry")
}

func ensureUser(ctx context.Context, s *store.Store, email, name, model string) (*store.User, error) {
	user, err := s.GetUser(ctx, &store.FindUser{Email: &email})
	if err != nil {
		return nil, errors.Wrap(err, "failed to look up user")
	}
	if user != nil {
		return user, nil
	}
	if name == "" {
		name = email
	}
	return s.CreateUser(ctx, &store.User{
		ID:            shortuuid.New(),
		Name:          name,
		Email:         email,
		DefaultModel:  model,
		DisplayModels: []string{model},
		CreatedAt:     time.Now().UnixMilli(),
	})
}
