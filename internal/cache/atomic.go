package cache

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
)

// WriteFileAtomic 先把 fill 的输出写入目标目录中的临时文件，成功后 rename 覆盖目标。
// 临时文件与目标同目录，避免跨卷 rename；任何失败都会删除临时文件并保持目标不变。
func WriteFileAtomic(ctx context.Context, filePath string, fill func(io.Writer) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(dir, ".thumb-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	err = fill(tempFile)
	if err == nil {
		err = tempFile.Sync()
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
