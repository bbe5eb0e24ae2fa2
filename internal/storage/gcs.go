package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCS stores objects in a Google Cloud Storage bucket.
type GCS struct {
	client *gcs.Client
	bucket string
	public bool
}

func NewGCS(ctx context.Context, bucket, credentialsFile string, public bool) (*GCS, error) {
	if bucket == "" {
		return nil, errors.New("storage: gcs bucket is required")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: gcs client: %w", err)
	}
	return &GCS{client: client, bucket: bucket, public: public}, nil
}

func (g *GCS) Close() error { return g.client.Close() }

func (g *GCS) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	clean, err := cleanKey(key)
	if err != nil {
		return err
	}
	w := g.client.Bucket(g.bucket).Object(clean).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (g *GCS) PublicURL(key string) (string, bool) {
	if !g.public {
		return "", false
	}
	clean, err := cleanKey(key)
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", g.bucket, (&url.URL{Path: clean}).EscapedPath()), true
}

func (g *GCS) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return g.client.Bucket(g.bucket).SignedURL(clean, &gcs.SignedURLOptions{
		Scheme:  gcs.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	})
}

func (g *GCS) Remove(ctx context.Context, keys ...string) error {
	var errs []error
	for _, k := range keys {
		clean, err := cleanKey(k)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := g.client.Bucket(g.bucket).Object(clean).Delete(ctx); err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
