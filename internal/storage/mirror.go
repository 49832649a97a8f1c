package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"
)

// Mirror uploads saved artifacts to an object store bucket, keyed by date
// and filename.
type Mirror struct {
	store  ObjectStore
	bucket string
}

func NewMirror(ctx context.Context, store ObjectStore, bucket string) (*Mirror, error) {
	if err := store.CreateBucket(ctx, bucket); err != nil {
		return nil, fmt.Errorf("preparing mirror bucket: %w", err)
	}
	return &Mirror{store: store, bucket: bucket}, nil
}

func (m *Mirror) Mirror(ctx context.Context, localPath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening artifact %s: %w", localPath, err)
	}
	defer file.Close()

	key := path.Join(time.Now().Format("2006-01-02"), filepath.Base(localPath))
	if err := m.store.PutObject(ctx, m.bucket, key, file); err != nil {
		return fmt.Errorf("mirroring artifact %s: %w", localPath, err)
	}
	return nil
}
