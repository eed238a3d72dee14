package checkpoint

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"
)

// S3Store keeps checkpoints as objects under bucket/prefix. PutObject
// replaces an object atomically.
type S3Store struct {
	blobStore
}

type s3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store uses the default AWS credential chain. An empty region falls
// back to the environment.
func NewS3Store(ctx context.Context, bucket, prefix, region string) (*S3Store, error) {
	if bucket == "" {
		return nil, errors.New("s3 checkpoint location needs a bucket")
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRetryMode(aws.RetryModeStandard),
		config.WithRetryMaxAttempts(3),
	}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "load AWS config")
	}
	client := s3.NewFromConfig(cfg)
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, errors.Wrapf(err, "access bucket %s", bucket)
	}
	return &S3Store{blobStore{b: &s3Backend{client: client, bucket: bucket, prefix: prefix}}}, nil
}

func (b *s3Backend) put(ctx context.Context, runID string, data []byte) error {
	key := objectKey(b.prefix, runID)
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	return errors.Wrapf(err, "put s3://%s/%s", b.bucket, key)
}

func (b *s3Backend) get(ctx context.Context, runID string) ([]byte, error) {
	key := objectKey(b.prefix, runID)
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, errors.Wrapf(err, "get s3://%s/%s", b.bucket, key)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	return data, errors.Wrapf(err, "read s3://%s/%s", b.bucket, key)
}

func (b *s3Backend) keys(ctx context.Context) ([]string, error) {
	in := &s3.ListObjectsV2Input{Bucket: aws.String(b.bucket)}
	if b.prefix != "" {
		in.Prefix = aws.String(b.prefix + "/")
	}
	out := []string{}
	p := s3.NewListObjectsV2Paginator(b.client, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "list s3://%s/%s", b.bucket, b.prefix)
		}
		for _, obj := range page.Contents {
			if id := runIDFromKey(b.prefix, aws.ToString(obj.Key)); id != "" {
				out = append(out, id)
			}
		}
	}
	return out, nil
}

func (b *s3Backend) close() error { return nil }

func (b *s3Backend) String() string { return "s3://" + b.bucket + "/" + b.prefix }
