// Package minio stores raw artifacts as objects in an S3-compatible bucket.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/errgroup"

	"transit_fetcher/internal/domain"
)

const defaultWriteConcurrency = 64

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
	Bucket    string
}

type Store struct {
	client           *minio.Client
	bucket           string
	writeConcurrency int
}

func New(cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &Store{
		client:           client,
		bucket:           cfg.Bucket,
		writeConcurrency: defaultWriteConcurrency,
	}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("%w: check bucket %s: %w", domain.ErrStorage, s.bucket, err)
	}
	if exists {
		return nil
	}

	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("%w: make bucket %s: %w", domain.ErrStorage, s.bucket, err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("%w: stat %s: %w", domain.ErrStorage, key, err)
}

func (s *Store) Read(ctx context.Context, key string) ([]byte, bool, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: get %s: %w", domain.ErrStorage, key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: read %s: %w", domain.ErrStorage, key, err)
	}
	return data, true, nil
}

// WriteMany uploads all entries concurrently over the shared client. Object
// stores have no directories, so parent prefixes appear implicitly.
func (s *Store) WriteMany(ctx context.Context, entries map[string][]byte) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.writeConcurrency)

	for key, data := range entries {
		g.Go(func() error {
			_, err := s.client.PutObject(ctx, s.bucket, key,
				bytes.NewReader(data), int64(len(data)),
				minio.PutObjectOptions{ContentType: contentType(key)},
			)
			if err != nil {
				return fmt.Errorf("%w: put %s: %w", domain.ErrStorage, key, err)
			}
			return nil
		})
	}

	return g.Wait()
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func contentType(key string) string {
	if path.Ext(key) == ".json" {
		return "application/json"
	}
	return "text/plain"
}
