// Package profile holds the runtime configuration of the server.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultCheckpointInterval = 3000 * time.Millisecond
	DefaultDraftDebounce      = 5000 * time.Millisecond
	DefaultAIBaseURL          = "https://openrouter.ai/api/v1"
	DefaultTitleModel         = "google/gemini-2.0-flash-lite-001"
)

// Profile is the configuration to start the server.
type Profile struct {
	// Mode can be "prod" or "dev".
	Mode string
	Addr string
	Port int
	// Data is the directory holding the sqlite database and local uploads.
	Data string
	// Driver is the database driver: sqlite, postgres or mysql.
	Driver string
	DSN    string

	// JWTSecret signs and verifies connection tokens.
	JWTSecret      string
	AllowedOrigins []string

	OpenRouterAPIKey string
	AIBaseURL        string
	// AIModel is the small model used to title new channels.
	AIModel string
	// DataStreamURL, when set, routes models prefixed "ds/" to an upstream
	// speaking the data stream line protocol.
	DataStreamURL string

	// BlobDriver is "local" or "s3".
	BlobDriver  string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	// CDNEndpoint is the public base URL uploaded files are served from.
	CDNEndpoint string

	CheckpointInterval time.Duration
	DraftDebounce      time.Duration
	Version            string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// Validate fills defaults and rejects configurations the server cannot
// start with.
func (p *Profile) Validate() error {
	if p.Mode != "prod" && p.Mode != "dev" && p.Mode != "demo" {
		p.Mode = "dev"
	}
	if p.Port == 0 {
		p.Port = 8081
	}
	if p.Driver == "" {
		p.Driver = "sqlite"
	}
	if p.Mode == "prod" && p.JWTSecret == "" {
		return errors.New("jwt secret is required in prod mode")
	}
	if p.JWTSecret == "" {
		p.JWTSecret = "chat-backend-dev-secret"
	}
	if p.AIBaseURL == "" {
		p.AIBaseURL = DefaultAIBaseURL
	}
	if p.AIModel == "" {
		p.AIModel = DefaultTitleModel
	}
	if p.BlobDriver == "" {
		p.BlobDriver = "local"
	}
	if p.BlobDriver == "s3" && p.S3Bucket == "" {
		return errors.New("s3 bucket is required when blob driver is s3")
	}
	if p.CheckpointInterval <= 0 {
		p.CheckpointInterval = DefaultCheckpointInterval
	}
	if p.DraftDebounce <= 0 {
		p.DraftDebounce = DefaultDraftDebounce
	}

	if p.Data == "" {
		p.Data = "./data"
	}
	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		return errors.Wrapf(err, "invalid data dir %q", p.Data)
	}
	p.Data = dataDir
	if p.Driver == "sqlite" && p.DSN == "" {
		p.DSN = filepath.Join(dataDir, fmt.Sprintf("chat_%s.db", p.Mode))
	}
	return nil
}

func checkDataDir(dataDir string) (string, error) {
	if !filepath.IsAbs(dataDir) {
		abs, err := filepath.Abs(dataDir)
		if err != nil {
			return "", err
		}
		dataDir = abs
	}
	dataDir = strings.TrimRight(dataDir, "\\/")
	if err := os.MkdirAll(dataDir, 0o770); err != nil {
		return "", err
	}
	return dataDir, nil
}
