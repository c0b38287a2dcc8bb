package unitstore

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver

	"github.com/3leaps/gohindcast/pkg/source"
	"github.com/3leaps/gohindcast/pkg/unit"
)

// BlobStore stores units in a gocloud.dev bucket.
//
// Object writers only publish on a successful Close; cancelling the write
// context before Close discards the object, which gives the same
// all-or-nothing guarantee as FileStore's rename.
type BlobStore struct {
	base
	bucket *blob.Bucket
	prefix string
}

// OpenBlobStore opens the bucket at rawURL. A path component after the
// bucket (s3://bucket/some/prefix, gs://bucket/some/prefix) becomes the key
// prefix.
func OpenBlobStore(ctx context.Context, rawURL string, opts Options) (*BlobStore, error) {
	b, err := newBase(opts)
	if err != nil {
		return nil, err
	}

	bucketURL, prefix, err := splitBucketURL(rawURL)
	if err != nil {
		return nil, err
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return &BlobStore{base: b, bucket: bucket, prefix: prefix}, nil
}

// NewBlobStore wraps an already opened bucket.
func NewBlobStore(bucket *blob.Bucket, prefix string, opts Options) (*BlobStore, error) {
	b, err := newBase(opts)
	if err != nil {
		return nil, err
	}
	return &BlobStore{base: b, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// splitBucketURL separates an s3:// or gs:// key prefix from the bucket URL.
// Other schemes are opened as given.
func splitBucketURL(rawURL string) (bucketURL, prefix string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parse bucket url: %w", err)
	}
	if u.Scheme != "s3" && u.Scheme != "gs" {
		return rawURL, "", nil
	}
	prefix = strings.Trim(u.Path, "/")
	u.Path = ""
	return u.String(), prefix, nil
}

// PathFor returns the object key for u.
func (s *BlobStore) PathFor(u unit.Unit) string {
	rel := s.relPath(u)
	if s.prefix == "" {
		return rel
	}
	return path.Join(s.prefix, rel)
}

// Exists reports whether u's object is present.
func (s *BlobStore) Exists(ctx context.Context, u unit.Unit) (bool, error) {
	ok, err := s.bucket.Exists(ctx, s.PathFor(u))
	if err != nil {
		return false, fmt.Errorf("check unit object: %w", err)
	}
	return ok, nil
}

// Write streams the encoded payload to the object, aborting on encode error.
func (s *BlobStore) Write(ctx context.Context, u unit.Unit, p *source.Payload) error {
	if p == nil {
		return ErrNilPayload
	}

	key := s.PathFor(u)
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.bucket.NewWriter(wctx, key, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}

	bw := bufio.NewWriter(w)
	encErr := s.enc.Encode(bw, p)
	if encErr == nil {
		encErr = bw.Flush()
	}
	if encErr != nil {
		cancel()
		_ = w.Close()
		return fmt.Errorf("encode unit %s: %w", key, encErr)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

// Close releases the bucket.
func (s *BlobStore) Close() error {
	return s.bucket.Close()
}

var _ Store = (*BlobStore)(nil)
