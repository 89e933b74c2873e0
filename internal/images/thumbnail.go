package images

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"

	_ "image/gif"
	_ "image/jpeg"
)

// Thumbnail returns a PNG preview of the image no larger than maxDim on
// either axis. Only the local tier is consulted. When the local copy is
// absent or undecodable a flat grey placeholder is returned instead of an
// error so gallery views degrade gracefully.
func (s *Service) Thumbnail(ctx context.Context, id string, maxDim int) ([]byte, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, ErrNotFound
	}
	if !rec.HasLocalCopy {
		return placeholder(maxDim)
	}
	data, err := os.ReadFile(rec.LocalPath)
	if err != nil {
		return placeholder(maxDim)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		s.log.Debug("thumbnail decode failed, serving placeholder", "id", id, "error", err)
		return placeholder(maxDim)
	}

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDim && h <= maxDim {
		return encodePNG(src)
	}

	outW, outH := w, h
	if w >= h {
		outW = maxDim
		outH = h * maxDim / w
	} else {
		outH = maxDim
		outW = w * maxDim / h
	}
	if outW < 1 {
		outW = 1
	}
	if outH < 1 {
		outH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, outW, outH))
	for y := 0; y < outH; y++ {
		srcY := b.Min.Y + y*h/outH
		for x := 0; x < outW; x++ {
			srcX := b.Min.X + x*w/outW
			dst.Set(x, y, src.At(srcX, srcY))
		}
	}
	return encodePNG(dst)
}

func placeholder(dim int) ([]byte, error) {
	if dim < 1 {
		dim = 1
	}
	img := image.NewRGBA(image.Rect(0, 0, dim, dim))
	grey := color.RGBA{R: 0xcc, G: 0xcc, B: 0xcc, A: 0xff}
	for y := 0; y < dim; y++ {
		for x := 0; x < dim; x++ {
			img.Set(x, y, grey)
		}
	}
	return encodePNG(img)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
