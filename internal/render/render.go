// Package render turns arbitrary images into the 32x32 PNG payloads the
// display accepts.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"
	"strconv"
	"strings"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// Size is the edge length of the LED matrix in pixels.
const Size = 32

// Brightness bounds.
const (
	MinBrightness = 0.1
	MaxBrightness = 1.0
)

// Options controls how an image is prepared.
type Options struct {
	Rotation   int     // clockwise degrees: 0, 90, 180 or 270
	Brightness float64 // clamped to [MinBrightness, MaxBrightness]; 0 means full
}

// Prepare scales img to Size x Size, rotates it, dims it and returns the PNG
// encoding.
func Prepare(img image.Image, opts Options) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("render: nil image")
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("render: empty image")
	}

	rgba := scale(img)

	rotated, err := rotate(rgba, opts.Rotation)
	if err != nil {
		return nil, err
	}

	dim(rotated, ClampBrightness(opts.Brightness))

	var buf bytes.Buffer
	if err := png.Encode(&buf, rotated); err != nil {
		return nil, fmt.Errorf("render: encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// Load decodes an image file. PNG, JPEG, GIF, BMP and WebP are supported.
func Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("render: open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("render: decode %s: %w", path, err)
	}
	return img, nil
}

// Solid returns a Size x Size image filled with c.
func Solid(c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, Size, Size))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}

// ParseHexColor parses "#RRGGBB" or "RRGGBB".
func ParseHexColor(s string) (color.RGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) != 6 {
		return color.RGBA{}, fmt.Errorf("render: color %q must be six hex digits", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("render: color %q is not hex", s)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xFF}, nil
}

// ClampBrightness limits b to the supported range. Zero means full brightness.
func ClampBrightness(b float64) float64 {
	switch {
	case b == 0:
		return MaxBrightness
	case b < MinBrightness:
		return MinBrightness
	case b > MaxBrightness:
		return MaxBrightness
	default:
		return b
	}
}

// scale copies img into a new Size x Size RGBA, resampling when needed.
func scale(img image.Image) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, Size, Size))
	b := img.Bounds()
	if b.Dx() == Size && b.Dy() == Size {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		return dst
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

func rotate(src *image.RGBA, degrees int) (*image.RGBA, error) {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	var dst *image.RGBA
	var at func(x, y int) (int, int)
	switch ((degrees % 360) + 360) % 360 {
	case 0:
		return src, nil
	case 90:
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
		at = func(x, y int) (int, int) { return y, h - 1 - x }
	case 180:
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
		at = func(x, y int) (int, int) { return w - 1 - x, h - 1 - y }
	case 270:
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
		at = func(x, y int) (int, int) { return w - 1 - y, x }
	default:
		return nil, fmt.Errorf("render: rotation %d is not a multiple of 90", degrees)
	}

	db := dst.Bounds()
	for y := 0; y < db.Dy(); y++ {
		for x := 0; x < db.Dx(); x++ {
			sx, sy := at(x, y)
			dst.SetRGBA(x, y, src.RGBAAt(b.Min.X+sx, b.Min.Y+sy))
		}
	}
	return dst, nil
}

// dim scales the colour channels by factor in place.
func dim(img *image.RGBA, factor float64) {
	if factor >= MaxBrightness {
		return
	}
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = uint8(float64(img.Pix[i]) * factor)
		img.Pix[i+1] = uint8(float64(img.Pix[i+1]) * factor)
		img.Pix[i+2] = uint8(float64(img.Pix[i+2]) * factor)
	}
}
