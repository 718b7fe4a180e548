// Package blob stores execution logs and code archives in a gocloud.dev
// bucket, so S3, GCS, Azure Blob Storage and local directories all work
// behind one URL.
package blob

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/jdziat/durable-flows/pkg/core"

	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

// DefaultBucketURL keeps blobs in process memory.
const DefaultBucketURL = "mem://"

// Store saves opaque byte payloads and hands back a reference to them.
type Store struct {
	bucket *blob.Bucket
	prefix string
}

// Open opens the bucket at bucketURL. Keys are written under prefix.
func Open(ctx context.Context, bucketURL, prefix string) (*Store, error) {
	if bucketURL == "" {
		bucketURL = DefaultBucketURL
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return NewStore(bucket, prefix), nil
}

// NewStore wraps an already opened bucket.
func NewStore(bucket *blob.Bucket, prefix string) *Store {
	return &Store{bucket: bucket, prefix: prefix}
}

// Save writes data under a fresh reference and returns it.
func (s *Store) Save(ctx context.Context, data []byte) (string, error) {
	ref := uuid.New().String()
	if err := s.bucket.WriteAll(ctx, s.keyFor(ref), data, nil); err != nil {
		return "", fmt.Errorf("save blob: %w", err)
	}
	return ref, nil
}

// GetOne reads the bytes saved under ref.
func (s *Store) GetOne(ctx context.Context, ref string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, s.keyFor(ref))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, core.NotFound("blob", ref)
		}
		return nil, fmt.Errorf("read blob %s: %w", ref, err)
	}
	return data, nil
}

// SaveCompressed gzips data before saving it. Execution logs go through here.
func (s *Store) SaveCompressed(ctx context.Context, data []byte) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return "", fmt.Errorf("compress blob: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("compress blob: %w", err)
	}

	ref := uuid.New().String()
	opts := &blob.WriterOptions{ContentType: "application/gzip"}
	if err := s.bucket.WriteAll(ctx, s.keyFor(ref), buf.Bytes(), opts); err != nil {
		return "", fmt.Errorf("save blob: %w", err)
	}
	return ref, nil
}

// GetDecompressed reads and gunzips a blob written by SaveCompressed.
func (s *Store) GetDecompressed(ctx context.Context, ref string) ([]byte, error) {
	data, err := s.GetOne(ctx, ref)
	if err != nil {
		return nil, err
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompress blob %s: %w", ref, err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress blob %s: %w", ref, err)
	}
	return out, nil
}

// Delete removes the blob under ref. A missing blob is not an error.
func (s *Store) Delete(ctx context.Context, ref string) error {
	err := s.bucket.Delete(ctx, s.keyFor(ref))
	if err != nil && gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return err
}

// Close closes the underlying bucket.
func (s *Store) Close() error {
	return s.bucket.Close()
}

func (s *Store) keyFor(ref string) string {
	return s.prefix + ref
}
