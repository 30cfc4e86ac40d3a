package cache

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"
)

// Store 负责管理磁盘缩略图的读写。磁盘布局遵循：
//
//	<ThumbDirectory>/<base>_<page>_<hash>.png
//
// 每个条目仅由一个 PNG 文件组成，文件的 ModTime/Size 由文件系统提供。
type Store interface {
	// Dir 返回当前 Store 绑定的绝对目录。
	Dir() string

	// Get 返回一个可流式读取的缩略图文件。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, id Identity) (*ReadResult, error)

	// Put 将编码后的缩略图写入磁盘。实现需通过临时文件 + rename 保证写入原子性，
	// 并在失败时清理临时文件。可选地根据 opts.ModTime 设置文件时间戳。
	Put(ctx context.Context, id Identity, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除缩略图文件，文件不存在时视为成功。
	Remove(ctx context.Context, id Identity) error

	// Exists 判断缩略图文件是否已经存在（仅限普通文件）。
	Exists(id Identity) bool
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	ModTime time.Time
}

// Identity 唯一定位一个源图像中的某一页（源文件路径 + 页序号）。
// 它既是内存缓存的 key，也是磁盘文件名的推导输入。
type Identity struct {
	SourcePath string
	Page       int
}

// NewIdentity 规范化源路径后构建 Identity。
func NewIdentity(sourcePath string, page int) Identity {
	if sourcePath != "" {
		sourcePath = filepath.Clean(sourcePath)
	}
	return Identity{SourcePath: sourcePath, Page: page}
}

// Compare 定义 Identity 的全序：先按路径字节序，再按页序号。
func (id Identity) Compare(other Identity) int {
	if c := cmp.Compare(id.SourcePath, other.SourcePath); c != 0 {
		return c
	}
	return cmp.Compare(id.Page, other.Page)
}

func (id Identity) String() string {
	return fmt.Sprintf("%s#%d", id.SourcePath, id.Page)
}

// Entry 表示一次磁盘命中结果，包含绝对文件路径及文件信息。
type Entry struct {
	Identity  Identity `json:"identity"`
	FilePath  string   `json:"file_path"`
	SizeBytes int64    `json:"size_bytes"`
	ModTime   time.Time
}

// ReadResult 组合 Entry 与文件 Reader，调用方负责关闭 Reader。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// ErrNotFound 表示缩略图文件不存在。
var ErrNotFound = errors.New("thumbnail file not found")
