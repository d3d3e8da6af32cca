package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// OpenURI opens a single object by full URI: s3://bucket/key, file:///path,
// or a bare filesystem path. Used by the zone importer, which reads one-off
// inputs rather than job checkpoints.
func OpenURI(ctx context.Context, uri string) (io.ReadCloser, error) {
	switch {
	case strings.HasPrefix(uri, "s3://"):
		u, err := url.Parse(uri)
		if err != nil {
			return nil, err
		}
		bucket := u.Host
		key := strings.TrimPrefix(u.Path, "/")
		if bucket == "" || key == "" {
			return nil, fmt.Errorf("s3 uri %q needs bucket and key", uri)
		}
		client, err := newS3Client(ctx)
		if err != nil {
			return nil, err
		}
		out, err := client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, err
		}
		return out.Body, nil
	case strings.HasPrefix(uri, "file://"):
		return os.Open(strings.TrimPrefix(uri, "file://"))
	default:
		return os.Open(uri)
	}
}
