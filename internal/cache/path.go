package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
)

// hashDigits 截取的 SHA-1 十六进制位数，64 bit 足以区分同名不同目录的源文件。
const hashDigits = 16

// ThumbnailFilePath 推导 id 在 dir 下的缓存文件路径：
// <dir>/<base>_<page>_<hash>.png，hash 取自源文件绝对路径。
func ThumbnailFilePath(dir string, id Identity) (string, error) {
	if dir == "" {
		return "", errors.New("thumb directory required")
	}
	if id.SourcePath == "" {
		return "", errors.New("source path required")
	}
	if id.Page < 0 {
		return "", errors.New("page index must not be negative")
	}

	abs, err := filepath.Abs(id.SourcePath)
	if err != nil {
		return "", err
	}

	base := filepath.Base(abs)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "root"
	}

	name := base + "_" + strconv.Itoa(id.Page) + "_" + sourceHash(abs) + ".png"
	return filepath.Join(dir, name), nil
}

func sourceHash(absPath string) string {
	sum := sha1.Sum([]byte(absPath))
	return hex.EncodeToString(sum[:])[:hashDigits]
}
