package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/philpoore/contentstack-express/internal/content"
)

// Sink stores asset binaries under slash separated keys such as "<uid>/<filename>".
type Sink interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Exists(ctx context.Context, key string) bool
	Remove(ctx context.Context, key string) error
	RemoveAll(ctx context.Context, prefix string) error
}

// SinkProvider returns the sink holding binaries of one locale.
type SinkProvider func(locale content.Locale) Sink

type LocalSink struct {
	root string
}

func NewLocalSink(root string) *LocalSink {
	return &LocalSink{root: root}
}

// LocalSinks places binaries under each locale's assets path, or root/<code>/assets.
func LocalSinks(root string) SinkProvider {
	return func(locale content.Locale) Sink {
		dir := strings.TrimSpace(locale.AssetsPath)
		if dir == "" {
			dir = filepath.Join(root, locale.Code, "assets")
		}
		return NewLocalSink(dir)
	}
}

func (s *LocalSink) path(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" {
		return "", content.E(content.KindValidation, "asset path", "empty asset key")
	}
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

func (s *LocalSink) Put(ctx context.Context, key string, r io.Reader) error {
	target, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp := target + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, target)
}

func (s *LocalSink) Exists(ctx context.Context, key string) bool {
	target, err := s.path(key)
	if err != nil {
		return false
	}
	_, err = os.Stat(target)
	return err == nil
}

func (s *LocalSink) Remove(ctx context.Context, key string) error {
	target, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *LocalSink) RemoveAll(ctx context.Context, prefix string) error {
	target, err := s.path(prefix)
	if err != nil {
		return err
	}
	return os.RemoveAll(target)
}

type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	Secure    bool
}

type MinioSink struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewMinioClient(opts MinioOptions) (*minio.Client, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, fmt.Errorf("minio endpoint is not configured")
	}
	return minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
	})
}

func NewMinioSink(client *minio.Client, bucket, prefix string) *MinioSink {
	return &MinioSink{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// MinioSinks places binaries of each locale under <prefix>/<locale code>/ in bucket.
func MinioSinks(client *minio.Client, bucket, prefix string) SinkProvider {
	return func(locale content.Locale) Sink {
		return NewMinioSink(client, bucket, path.Join(strings.Trim(prefix, "/"), locale.Code))
	}
}

func (s *MinioSink) object(key string) string {
	key = strings.TrimPrefix(path.Clean("/"+key), "/")
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *MinioSink) Put(ctx context.Context, key string, r io.Reader) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.object(key), r, -1, minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to upload asset %s: %w", key, err)
	}
	return nil
}

func (s *MinioSink) Exists(ctx context.Context, key string) bool {
	_, err := s.client.StatObject(ctx, s.bucket, s.object(key), minio.StatObjectOptions{})
	return err == nil
}

func (s *MinioSink) Remove(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, s.object(key), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete asset %s: %w", key, err)
	}
	return nil
}

func (s *MinioSink) RemoveAll(ctx context.Context, prefix string) error {
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.object(prefix) + "/",
		Recursive: true,
	})
	for object := range objects {
		if object.Err != nil {
			return fmt.Errorf("failed to list objects: %w", object.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("failed to remove object %s: %w", object.Key, err)
		}
	}
	return nil
}
