// Package blob stores generated media and returns the public URL it is
// served from.
package blob

import (
	"bytes"
	"context"
	"encoding/hex"
	"mime"
	"net/http"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
)

// ErrRejected is returned for payloads that are not stored, such as empty
// or undecodable images.
var ErrRejected = errors.New("blob rejected")

// Store writes an object under key.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Uploader content-addresses payloads so repeated uploads of the same
// bytes map to the same object.
type Uploader struct {
	store   Store
	baseURL string
}

func NewUploader(store Store, baseURL string) *Uploader {
	return &Uploader{store: store, baseURL: strings.TrimRight(baseURL, "/")}
}

// StoreBytes stores data for userID and returns its public URL.
func (u *Uploader) StoreBytes(ctx context.Context, userID string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.Wrap(ErrRejected, "empty payload")
	}
	contentType := http.DetectContentType(data)
	if decodableImages[contentType] {
		if _, err := imaging.Decode(bytes.NewReader(data)); err != nil {
			return "", errors.Wrapf(ErrRejected, "undecodable %s: %v", contentType, err)
		}
	}

	key := Key(userID, data, contentType)
	if err := u.store.Put(ctx, key, data, contentType); err != nil {
		return "", errors.Wrapf(err, "failed to store %s", key)
	}
	return u.baseURL + "/" + key, nil
}

// Key returns uploads/<user>/<blake3>.<ext>.
func Key(userID string, data []byte, contentType string) string {
	sum := blake3.Sum256(data)
	return "uploads/" + userID + "/" + hex.EncodeToString(sum[:]) + extension(contentType)
}

// decodableImages are the formats imaging can decode and therefore verify.
var decodableImages = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/bmp":  true,
}

var preferredExtensions = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"audio/mpeg":      ".mp3",
	"audio/wave":      ".wav",
	"audio/wav":       ".wav",
	"audio/ogg":       ".ogg",
	"application/pdf": ".pdf",
	"text/plain":      ".txt",
}

func extension(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".bin"
	}
	if ext, ok := preferredExtensions[mediaType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
