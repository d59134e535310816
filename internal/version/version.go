package version

// Version is the service version, overridden at build time with
// -ldflags "-X github.com/115Studio/chat-backend/internal/version.Version=...".
var Version = "0.1.0"

// DevVersion is reported when running in dev mode.
var DevVersion = "0.1.0-dev"

func GetCurrentVersion(mode string) string {
	if mode == "dev" || mode == "demo" {
		return DevVersion
	}
	return Version
}
