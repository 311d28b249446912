package tensor

import (
	"errors"
	"image"
	"image/color"
	"testing"
)

func TestFromImage(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, G: 0, B: 51, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{R: 0, G: 255, B: 0, A: 0})

	tests := []struct {
		channels int
		want     []float32
	}{
		{3, []float32{1, 0, 0.2, 0, 1, 0}},
		{4, []float32{1, 0, 0.2, 1, 0, 1, 0, 0}},
		{2, []float32{1, 0, 0, 1}},
	}
	for _, tt := range tests {
		got, err := FromImage(img, tt.channels)
		if err != nil {
			t.Fatalf("FromImage(%d) = %v", tt.channels, err)
		}
		if got.Width != 2 || got.Height != 1 || got.Channels != tt.channels {
			t.Fatalf("FromImage(%d) shape = %v", tt.channels, got)
		}
		for i, v := range tt.want {
			if d := got.Data[i] - v; d > 1e-6 || d < -1e-6 {
				t.Errorf("FromImage(%d)[%d] = %v, want %v", tt.channels, i, got.Data[i], v)
			}
		}
	}

	gray, err := FromImage(img, 1)
	if err != nil {
		t.Fatal(err)
	}
	if gray.Data[0] <= 0 || gray.Data[0] >= 1 {
		t.Errorf("luminance of red = %v, want in (0, 1)", gray.Data[0])
	}

	if _, err := FromImage(img, 5); !errors.Is(err, ErrShape) {
		t.Errorf("FromImage(5 channels) = %v, want ErrShape", err)
	}
	if _, err := FromImage(image.NewGray(image.Rectangle{}), 1); !errors.Is(err, ErrShape) {
		t.Errorf("FromImage(empty) = %v, want ErrShape", err)
	}
}

func TestFromImageSize(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	got, err := FromImageSize(img, 4, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Width != 4 || got.Height != 2 {
		t.Fatalf("shape = %v, want 4x2x1", got)
	}
	for i, v := range got.Data {
		if d := v - 128.0/255; d > 0.01 || d < -0.01 {
			t.Errorf("scaled[%d] = %v, want ~0.5", i, v)
		}
	}
	if _, err := FromImageSize(img, 0, 2, 1); !errors.Is(err, ErrShape) {
		t.Errorf("FromImageSize(0) = %v, want ErrShape", err)
	}
}

func TestToImage(t *testing.T) {
	rgb, _ := FromSlice(1, 1, 3, []float32{2, 0.5, -1})
	c := rgb.ToImage().At(0, 0).(color.NRGBA)
	if c != (color.NRGBA{R: 255, G: 128, B: 0, A: 255}) {
		t.Errorf("ToImage() = %v", c)
	}

	gray := Filled(2, 2, 1, 1).ToImage()
	if _, ok := gray.(*image.Gray); !ok {
		t.Fatalf("ToImage(1 channel) = %T, want *image.Gray", gray)
	}
	if g := gray.At(1, 1).(color.Gray); g.Y != 255 {
		t.Errorf("gray = %v, want 255", g.Y)
	}

	wide := New(1, 1, 6)
	wide.Set(0, 0, 3, 0)
	if a := wide.ToImage().At(0, 0).(color.NRGBA).A; a != 0 {
		t.Errorf("alpha from channel 3 = %d, want 0", a)
	}
}
