package imaging

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"io"
	"os"
	"path/filepath"
	"strings"

	// 注册 image.Decode 可识别的格式。
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/any-hub/thumbhub/internal/cache"
)

// Decoding errors.
var (
	// ErrUnsupportedFormat is returned when no registered decoder recognises the source.
	ErrUnsupportedFormat = errors.New("imaging: unsupported format")

	// ErrPageOutOfRange is returned when the requested page/frame does not exist.
	ErrPageOutOfRange = errors.New("imaging: page out of range")

	// ErrImageTooLarge is returned when the source exceeds the pixel budget.
	ErrImageTooLarge = errors.New("imaging: image too large")
)

// DefaultMaxSourcePixels 约 1 亿像素，RGBA 解码后约 400MB。
const DefaultMaxSourcePixels int64 = 100_000_000

// Decoder 将 Identity 指向的源图像解码为内存图像。
type Decoder interface {
	Decode(ctx context.Context, id cache.Identity) (image.Image, error)
}

// DecoderFunc 让普通函数满足 Decoder 接口，便于测试注入。
type DecoderFunc func(ctx context.Context, id cache.Identity) (image.Image, error)

// Decode makes DecoderFunc satisfy Decoder.
func (f DecoderFunc) Decode(ctx context.Context, id cache.Identity) (image.Image, error) {
	return f(ctx, id)
}

// FileDecoder 从本地文件系统解码源图像；GIF 的每一帧视为一页，其余格式只有第 0 页。
type FileDecoder struct {
	MaxSourcePixels int64
}

// NewFileDecoder 构造带像素上限的文件解码器，maxPixels<=0 时使用默认上限。
func NewFileDecoder(maxPixels int64) *FileDecoder {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxSourcePixels
	}
	return &FileDecoder{MaxSourcePixels: maxPixels}
}

// Decode 打开源文件并解码 id.Page 指定的页。
func (d *FileDecoder) Decode(ctx context.Context, id cache.Identity) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id.Page < 0 {
		return nil, ErrPageOutOfRange
	}

	f, err := os.Open(filepath.Clean(id.SourcePath))
	if err != nil {
		return nil, fmt.Errorf("imaging: open source: %w", err)
	}
	defer func() { _ = f.Close() }()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, ErrUnsupportedFormat
		}
		return nil, fmt.Errorf("imaging: decode config: %w", err)
	}
	if err := d.checkSize(cfg); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("imaging: rewind source: %w", err)
	}

	if format == "gif" {
		return decodeGIFFrame(f, id.Page)
	}
	if id.Page != 0 {
		return nil, ErrPageOutOfRange
	}

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("imaging: decode %s: %w", format, err)
	}
	return img, nil
}

func (d *FileDecoder) checkSize(cfg image.Config) error {
	limit := d.MaxSourcePixels
	if limit <= 0 {
		limit = DefaultMaxSourcePixels
	}
	if int64(cfg.Width)*int64(cfg.Height) > limit {
		return fmt.Errorf("%w: %dx%d", ErrImageTooLarge, cfg.Width, cfg.Height)
	}
	return nil
}

// decodeGIFFrame 返回指定帧；帧按原样返回，不做跨帧合成。
func decodeGIFFrame(r io.Reader, page int) (image.Image, error) {
	all, err := gif.DecodeAll(r)
	if err != nil {
		return nil, fmt.Errorf("imaging: decode gif: %w", err)
	}
	if page >= len(all.Image) {
		return nil, ErrPageOutOfRange
	}
	return all.Image[page], nil
}

var supportedExtensions = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".gif":  {},
	".bmp":  {},
	".tif":  {},
	".tiff": {},
	".webp": {},
}

// IsSupportedExtension 根据扩展名粗略判断文件是否可能是可解码图像。
func IsSupportedExtension(path string) bool {
	_, ok := supportedExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}
