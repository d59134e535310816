package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/115Studio/chat-backend/internal/profile"
	"github.com/115Studio/chat-backend/internal/version"
	"github.com/115Studio/chat-backend/server"
	"github.com/115Studio/chat-backend/store"
	"github.com/115Studio/chat-backend/store/db"
)

var rootCmd = &cobra.Command{
	Use:   "chat-backend",
	Short: "Real-time multi-tenant chat backend with streamed AI replies.",
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		setupLogger()
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := loadProfile()
		if err := instanceProfile.Validate(); err != nil {
			slog.Error("invalid configuration", "err", err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		storeInstance, err := openStore(ctx, instanceProfile)
		if err != nil {
			slog.Error("failed to open store", "err", err)
			os.Exit(1)
		}
		s, err := server.NewServer(ctx, instanceProfile, storeInstance)
		if err != nil {
			slog.Error("failed to create server", "err", err)
			os.Exit(1)
		}
		if err := s.Start(ctx); err != nil {
			slog.Error("server exited", "err", err)
			os.Exit(1)
		}
	},
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "sqlite")
	viper.SetDefault("port", 8081)
	viper.SetDefault("blob-driver", "local")
	viper.SetDefault("log-level", "info")

	flags := rootCmd.PersistentFlags()
	flags.String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	flags.String("addr", "", "address of server")
	flags.Int("port", 8081, "port of server")
	flags.String("data", "", "data directory")
	flags.String("driver", "sqlite", "database driver: sqlite, postgres or mysql")
	flags.String("dsn", "", "database source name")
	flags.String("jwt-secret", "", "secret signing access tokens")
	flags.StringSlice("allowed-origins", nil, "origins allowed to call the API from browsers")
	flags.String("openrouter-api-key", "", "API key of the OpenAI compatible upstream")
	flags.String("ai-base-url", profile.DefaultAIBaseURL, "base URL of the OpenAI compatible upstream")
	flags.String("ai-model", profile.DefaultTitleModel, "model used to title new channels")
	flags.String("data-stream-url", "", "upstream speaking the data stream protocol for ds/ models")
	flags.String("blob-driver", "local", `where generated files go: "local" or "s3"`)
	flags.String("s3-bucket", "", "bucket for generated files")
	flags.String("s3-region", "", "region of the bucket")
	flags.String("s3-endpoint", "", "endpoint of an S3 compatible service")
	flags.String("s3-access-key", "", "access key of the bucket")
	flags.String("s3-secret-key", "", "secret key of the bucket")
	flags.String("cdn-endpoint", "", "public base URL of generated files")
	flags.Duration("checkpoint-interval", profile.DefaultCheckpointInterval, "minimum time between snapshots of a streaming reply")
	flags.Duration("draft-debounce", profile.DefaultDraftDebounce, "quiet time before a draft is persisted")
	flags.String("log-level", "info", "debug, info, warn or error")

	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}
	viper.SetEnvPrefix("chat")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(versionCmd, tokenCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version.",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(version.GetCurrentVersion(viper.GetString("mode")))
	},
}

func loadProfile() *profile.Profile {
	return &profile.Profile{
		Mode:               viper.GetString("mode"),
		Addr:               viper.GetString("addr"),
		Port:               viper.GetInt("port"),
		Data:               viper.GetString("data"),
		Driver:             viper.GetString("driver"),
		DSN:                viper.GetString("dsn"),
		JWTSecret:          viper.GetString("jwt-secret"),
		AllowedOrigins:     splitList(viper.GetStringSlice("allowed-origins")),
		OpenRouterAPIKey:   viper.GetString("openrouter-api-key"),
		AIBaseURL:          viper.GetString("ai-base-url"),
		AIModel:            viper.GetString("ai-model"),
		DataStreamURL:      viper.GetString("data-stream-url"),
		BlobDriver:         viper.GetString("blob-driver"),
		S3Bucket:           viper.GetString("s3-bucket"),
		S3Region:           viper.GetString("s3-region"),
		S3Endpoint:         viper.GetString("s3-endpoint"),
		S3AccessKey:        viper.GetString("s3-access-key"),
		S3SecretKey:        viper.GetString("s3-secret-key"),
		CDNEndpoint:        viper.GetString("cdn-endpoint"),
		CheckpointInterval: viper.GetDuration("checkpoint-interval"),
		DraftDebounce:      viper.GetDuration("draft-debounce"),
		Version:            version.GetCurrentVersion(viper.GetString("mode")),
	}
}

// splitList accepts both repeated flags and comma separated env values.
func splitList(values []string) []string {
	var list []string
	for _, v := range values {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
	}
	return list
}

func openStore(ctx context.Context, p *profile.Profile) (*store.Store, error) {
	dbDriver, err := db.NewDBDriver(p)
	if err != nil {
		return nil, err
	}
	storeInstance := store.New(dbDriver)
	if err := storeInstance.Migrate(ctx); err != nil {
		_ = storeInstance.Close()
		return nil, err
	}
	return storeInstance, nil
}

func setupLogger() {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if viper.GetString("mode") == "prod" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func main() {
	// A missing .env file is fine; the environment and flags still apply.
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
