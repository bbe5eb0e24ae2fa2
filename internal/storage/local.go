package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalFS stores objects under Root/<bucket>. Without a public base URL,
// objects are reachable only through signed /media URLs served by the API.
type LocalFS struct {
	root      string
	bucket    string
	publicURL string
	mediaURL  string
	signer    *Signer
}

type LocalOptions struct {
	Root      string
	Bucket    string
	PublicURL string // e.g. a CDN in front of Root; empty disables public URLs
	MediaURL  string // base URL of this API, used for signed links
	Signer    *Signer
}

func NewLocalFS(opts LocalOptions) (*LocalFS, error) {
	if opts.Root == "" {
		return nil, errors.New("storage: local root is required")
	}
	if opts.Bucket == "" {
		return nil, errors.New("storage: bucket is required")
	}
	if err := os.MkdirAll(filepath.Join(opts.Root, opts.Bucket), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &LocalFS{
		root:      opts.Root,
		bucket:    opts.Bucket,
		publicURL: strings.TrimRight(opts.PublicURL, "/"),
		mediaURL:  strings.TrimRight(opts.MediaURL, "/"),
		signer:    opts.Signer,
	}, nil
}

func (l *LocalFS) Bucket() string { return l.bucket }

func (l *LocalFS) abs(key string) (string, string, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return "", "", err
	}
	return clean, filepath.Join(l.root, l.bucket, filepath.FromSlash(clean)), nil
}

func (l *LocalFS) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, abs, err := l.abs(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}

	// write then rename so readers never see a partial file
	tmp, err := os.CreateTemp(filepath.Dir(abs), ".upload-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), abs)
}

func (l *LocalFS) PublicURL(key string) (string, bool) {
	if l.publicURL == "" {
		return "", false
	}
	clean, err := cleanKey(key)
	if err != nil {
		return "", false
	}
	return l.publicURL + "/" + clean, true
}

func (l *LocalFS) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if l.signer == nil || l.mediaURL == "" {
		return "", errors.New("storage: signed urls are not configured")
	}
	clean, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	tok, err := l.signer.Sign(l.bucket, clean, ttl)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/media/%s/%s?token=%s", l.mediaURL, l.bucket, clean, url.QueryEscape(tok)), nil
}

func (l *LocalFS) Remove(ctx context.Context, keys ...string) error {
	var errs []error
	for _, k := range keys {
		_, abs, err := l.abs(k)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open returns the object for a signed media request after checking token.
func (l *LocalFS) Open(key, token string) (*os.File, error) {
	if l.signer == nil {
		return nil, ErrInvalidToken
	}
	clean, abs, err := l.abs(key)
	if err != nil {
		return nil, err
	}
	if err := l.signer.Verify(token, l.bucket, clean); err != nil {
		return nil, err
	}
	return os.Open(abs)
}
