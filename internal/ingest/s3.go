package ingest

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// S3Landing is a landing zone under an S3 bucket prefix. Objects are immutable, so a changed
// ETag means the input was rewritten.
type S3Landing struct {
	client  s3iface.S3API
	bucket  string
	prefix  string
	pattern string
}

// NewS3Client builds an S3 client from the default credential chain.
// A non-empty endpoint targets S3-compatible stores with path-style addressing.
func NewS3Client(region, endpoint string) (s3iface.S3API, error) {
	cfg := aws.NewConfig()
	if region != "" {
		cfg = cfg.WithRegion(region)
	}
	if endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return s3.New(sess), nil
}

// NewS3Landing returns a landing over bucket/prefix.
func NewS3Landing(client s3iface.S3API, bucket, prefix, pattern string) (*S3Landing, error) {
	if client == nil {
		return nil, fmt.Errorf("missing s3 client")
	}
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	return &S3Landing{client: client, bucket: bucket, prefix: prefix, pattern: pattern}, nil
}

func (l *S3Landing) List(ctx context.Context) ([]Object, error) {
	var objects []Object
	input := &s3.ListObjectsV2Input{Bucket: aws.String(l.bucket)}
	if l.prefix != "" {
		input.Prefix = aws.String(l.prefix)
	}
	err := l.client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			if strings.HasSuffix(key, "/") || !matchesPattern(l.pattern, path.Base(key)) {
				continue
			}
			objects = append(objects, Object{
				Key:     key,
				Size:    aws.Int64Value(obj.Size),
				ETag:    strings.Trim(aws.StringValue(obj.ETag), `"`),
				ModTime: aws.TimeValue(obj.LastModified),
			})
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("list s3://%s/%s: %w", l.bucket, l.prefix, err)
	}
	sortObjects(objects)
	return objects, nil
}

func (l *S3Landing) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := l.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, fmt.Errorf("s3://%s/%s: %w", l.bucket, key, ErrInputVanished)
		}
		return nil, fmt.Errorf("fetch s3://%s/%s: %w", l.bucket, key, err)
	}
	return out.Body, nil
}

func (l *S3Landing) Appendable() bool { return false }
