package tensor

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// FromImage converts img into a WxHxchannels tensor with values in [0, 1].
// channels 1 stores luminance; 2 and 3 store the leading RGB channels; 4
// adds alpha. Colors are not premultiplied.
func FromImage(img image.Image, channels int) (*Tensor, error) {
	if channels < 1 || channels > 4 {
		return nil, fmt.Errorf("%w: images have 1 to 4 channels, got %d", ErrShape, channels)
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrShape)
	}
	t := New(b.Dx(), b.Dy(), channels)
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			px := [4]float32{unit(c.R), unit(c.G), unit(c.B), unit(c.A)}
			if channels == 1 {
				g := color.GrayModel.Convert(c).(color.Gray)
				px[0] = unit(g.Y)
			}
			copy(t.Data[t.index(x, y, 0):], px[:channels])
		}
	}
	return t, nil
}

// FromImageSize scales img to width x height with bilinear filtering and
// converts it like FromImage.
func FromImageSize(img image.Image, width, height, channels int) (*Tensor, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: non-positive size %dx%d", ErrShape, width, height)
	}
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return FromImage(img, channels)
	}
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return FromImage(dst, channels)
}

// ToImage converts the first channels of t into an image, clamping values
// to [0, 1]. One channel gives a grayscale image; otherwise missing color
// channels are zero and missing alpha is opaque.
func (t *Tensor) ToImage() image.Image {
	r := image.Rect(0, 0, t.Width, t.Height)
	if t.Channels == 1 {
		img := image.NewGray(r)
		for y := 0; y < t.Height; y++ {
			for x := 0; x < t.Width; x++ {
				img.SetGray(x, y, color.Gray{Y: byteOf(t.At(x, y, 0))})
			}
		}
		return img
	}
	img := image.NewNRGBA(r)
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			px := [4]uint8{0, 0, 0, 255}
			for c := 0; c < min(t.Channels, 4); c++ {
				px[c] = byteOf(t.At(x, y, c))
			}
			img.SetNRGBA(x, y, color.NRGBA{R: px[0], G: px[1], B: px[2], A: px[3]})
		}
	}
	return img
}

func unit(v uint8) float32 { return float32(v) / 255 }

func byteOf(v float32) uint8 {
	switch {
	case v <= 0 || v != v:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(v*255 + 0.5)
}
