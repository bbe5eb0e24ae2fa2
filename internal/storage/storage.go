package storage

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"
)

// ObjectStore is the blob backend audio files are uploaded to.
type ObjectStore interface {
	// Upload writes data at key, overwriting any existing object.
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	// PublicURL returns a permanent URL when the backend exposes objects publicly.
	PublicURL(key string) (string, bool)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Remove(ctx context.Context, keys ...string) error
}

var ErrInvalidKey = errors.New("storage: invalid object key")

// cleanKey normalises an object key and rejects keys escaping the bucket.
func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrInvalidKey
	}
	c := path.Clean("/" + key)
	c = strings.TrimPrefix(c, "/")
	if c == "" || c == "." || strings.HasPrefix(c, "..") {
		return "", ErrInvalidKey
	}
	return c, nil
}

// AudioKey is where the audio for one row lives.
func AudioKey(userID, storyID, audioID string) string {
	return "users/" + userID + "/stories/" + storyID + "/" + audioID + ".mp3"
}
