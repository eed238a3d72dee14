package checkpoint

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
)

// GCSStore keeps checkpoints as objects under bucket/prefix. An object
// becomes visible only when its writer is closed.
type GCSStore struct {
	blobStore
}

type gcsBackend struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore uses application default credentials.
func NewGCSStore(ctx context.Context, bucket, prefix string) (*GCSStore, error) {
	if bucket == "" {
		return nil, errors.New("gcs checkpoint location needs a bucket")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "create GCS client")
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "access bucket %s", bucket)
	}
	return &GCSStore{blobStore{b: &gcsBackend{client: client, bucket: bucket, prefix: prefix}}}, nil
}

func (b *gcsBackend) put(ctx context.Context, runID string, data []byte) error {
	key := objectKey(b.prefix, runID)
	w := b.client.Bucket(b.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache, max-age=0"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return errors.Wrapf(err, "write gs://%s/%s", b.bucket, key)
	}
	return errors.Wrapf(w.Close(), "finalize gs://%s/%s", b.bucket, key)
}

func (b *gcsBackend) get(ctx context.Context, runID string) ([]byte, error) {
	key := objectKey(b.prefix, runID)
	r, err := b.client.Bucket(b.bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open gs://%s/%s", b.bucket, key)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	return data, errors.Wrapf(err, "read gs://%s/%s", b.bucket, key)
}

func (b *gcsBackend) keys(ctx context.Context) ([]string, error) {
	q := &storage.Query{}
	if b.prefix != "" {
		q.Prefix = b.prefix + "/"
	}
	out := []string{}
	it := b.client.Bucket(b.bucket).Objects(ctx, q)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "list gs://%s/%s", b.bucket, b.prefix)
		}
		if id := runIDFromKey(b.prefix, attrs.Name); id != "" {
			out = append(out, id)
		}
	}
	return out, nil
}

func (b *gcsBackend) close() error { return b.client.Close() }

func (b *gcsBackend) String() string { return "gs://" + b.bucket + "/" + b.prefix }
