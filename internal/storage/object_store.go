// Package storage provides the object store behind artifact mirroring:
// a local-directory implementation for single-box deployments and an
// S3-compatible one for shared storage.
package storage

import (
	"context"
	"io"
)

type ObjectStore interface {
	CreateBucket(ctx context.Context, bucket string) error

	PutObject(ctx context.Context, bucket, key string, data io.Reader) error
}
