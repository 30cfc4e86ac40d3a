package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"io"

	xdraw "golang.org/x/image/draw"
)

// MakeThumbnail 等比缩放 img，使最长边不超过 maxSize，不会放大。
// 返回值总是新分配的 RGBA，不与源图像共享像素。
func MakeThumbnail(img image.Image, maxSize int) image.Image {
	src := img.Bounds()
	w, h := src.Dx(), src.Dy()
	if w <= 0 || h <= 0 {
		return image.NewRGBA(image.Rect(0, 0, 0, 0))
	}

	tw, th := fitWithin(w, h, maxSize)
	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	if tw == w && th == h {
		xdraw.Draw(dst, dst.Bounds(), img, src.Min, xdraw.Src)
		return dst
	}
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, src, xdraw.Src, nil)
	return dst
}

func fitWithin(w, h, maxSize int) (int, int) {
	if maxSize <= 0 || (w <= maxSize && h <= maxSize) {
		return w, h
	}
	if w >= h {
		th := h * maxSize / w
		if th < 1 {
			th = 1
		}
		return maxSize, th
	}
	tw := w * maxSize / h
	if tw < 1 {
		tw = 1
	}
	return tw, maxSize
}

// EncodePNG 以最快压缩级别写出缩略图。
func EncodePNG(w io.Writer, img image.Image) error {
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(w, img); err != nil {
		return fmt.Errorf("imaging: encode png: %w", err)
	}
	return nil
}

// EncodePNGBytes 将图像编码为 PNG 字节切片。
func EncodePNGBytes(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodePNG(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodePNG 读取缓存文件。
func DecodePNG(r io.Reader) (image.Image, error) {
	img, err := png.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("imaging: decode png: %w", err)
	}
	return img, nil
}
