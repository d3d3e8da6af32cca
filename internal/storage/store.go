// Package storage persists per-job sync artifacts: downloaded lists, diff
// records, unblockable domains and report transcripts. Objects live under a
// base URI, either s3://bucket/prefix or file:///path for local setups.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectStore reads and writes named objects. Names are /-separated keys
// relative to the store root; writers commit the object on Close.
type ObjectStore interface {
	OpenReader(ctx context.Context, name string) (io.ReadCloser, error)
	Create(ctx context.Context, name string) (io.WriteCloser, error)
}

// Open picks the store implementation from the base URI scheme.
func Open(ctx context.Context, baseURI string) (ObjectStore, error) {
	u, err := url.Parse(baseURI)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "file":
		if u.Path == "" {
			return nil, fmt.Errorf("file base URI %q has no path", baseURI)
		}
		return NewFSStore(u.Path), nil
	case "s3":
		if u.Host == "" {
			return nil, fmt.Errorf("s3 base URI %q has no bucket", baseURI)
		}
		client, err := newS3Client(ctx)
		if err != nil {
			return nil, err
		}
		return &S3Store{client: client, bucket: u.Host, prefix: strings.Trim(u.Path, "/")}, nil
	default:
		return nil, fmt.Errorf("unsupported storage scheme %q", u.Scheme)
	}
}

// FSStore keeps objects as files under a root directory.
type FSStore struct {
	root string
}

func NewFSStore(root string) *FSStore { return &FSStore{root: root} }

func (f *FSStore) resolve(name string) (string, error) {
	clean := path.Clean("/" + name)
	if clean == "/" || strings.Contains(clean, "..") {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	return filepath.Join(f.root, filepath.FromSlash(clean)), nil
}

func (f *FSStore) OpenReader(ctx context.Context, name string) (io.ReadCloser, error) {
	p, err := f.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

func (f *FSStore) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	p, err := f.resolve(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, err
	}
	return os.Create(p)
}

// s3iface is the minimal subset of s3 client methods we use; allows test fakes.
type s3iface interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	manager.UploadAPIClient
}

// newS3Client constructs an s3 client; overridden in tests.
// Env support: AWS_REGION, AWS_ENDPOINT_URL_S3, AWS_S3_FORCE_PATH_STYLE.
var newS3Client = func(ctx context.Context) (s3iface, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if ep := os.Getenv("AWS_ENDPOINT_URL_S3"); ep != "" {
			o.BaseEndpoint = aws.String(ep)
		}
		if strings.EqualFold(os.Getenv("AWS_S3_FORCE_PATH_STYLE"), "true") {
			o.UsePathStyle = true
		}
	})
	return client, nil
}

// S3Store keeps objects in a bucket under an optional key prefix.
type S3Store struct {
	client s3iface
	bucket string
	prefix string
}

func (s *S3Store) key(name string) string {
	return path.Join(s.prefix, name)
}

func (s *S3Store) OpenReader(ctx context.Context, name string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

// Create streams the object through an upload pipe; the upload completes
// when the writer is closed, and Close reports the upload error.
func (s *S3Store) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		uploader := manager.NewUploader(s.client)
		_, err := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(name)),
			Body:   pr,
		})
		if err != nil {
			pr.CloseWithError(err)
		}
		done <- err
	}()
	return &s3Writer{pw: pw, done: done}, nil
}

type s3Writer struct {
	pw   *io.PipeWriter
	done chan error
}

func (w *s3Writer) Write(p []byte) (int, error) { return w.pw.Write(p) }

func (w *s3Writer) Close() error {
	if err := w.pw.Close(); err != nil {
		return err
	}
	return <-w.done
}
