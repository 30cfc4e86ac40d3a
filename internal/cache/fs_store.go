package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// NewStore 以 dir 为根目录构建磁盘缩略图缓存。
func NewStore(dir string) (Store, error) {
	if dir == "" {
		return nil, errors.New("thumb directory required")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve thumb directory: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create thumb directory: %w", err)
	}

	return &fileStore{basePath: abs}, nil
}

// fileStore 不持有文件级锁：并发写同一文件时由 rename 的原子性保证结果完整。
type fileStore struct {
	basePath string
}

func (s *fileStore) Dir() string {
	return s.basePath
}

func (s *fileStore) Get(ctx context.Context, id Identity) (*ReadResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	filePath, err := s.entryPath(id)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	entry := Entry{
		Identity:  id,
		FilePath:  filePath,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
	}

	return &ReadResult{
		Entry:  entry,
		Reader: f,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, id Identity, body io.Reader, opts PutOptions) (*Entry, error) {
	filePath, err := s.entryPath(id)
	if err != nil {
		return nil, err
	}

	var written int64
	err = WriteFileAtomic(ctx, filePath, func(w io.Writer) error {
		n, copyErr := copyWithContext(ctx, w, body)
		written = n
		return copyErr
	})
	if err != nil {
		return nil, err
	}

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}
	if err := os.Chtimes(filePath, modTime, modTime); err != nil {
		return nil, err
	}

	entry := Entry{
		Identity:  id,
		FilePath:  filePath,
		SizeBytes: written,
		ModTime:   modTime,
	}
	return &entry, nil
}

func (s *fileStore) Remove(ctx context.Context, id Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	filePath, err := s.entryPath(id)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) Exists(id Identity) bool {
	filePath, err := s.entryPath(id)
	if err != nil {
		return false
	}
	info, err := os.Stat(filePath)
	return err == nil && info.Mode().IsRegular()
}

func (s *fileStore) entryPath(id Identity) (string, error) {
	return ThumbnailFilePath(s.basePath, id)
}
