package server

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"time"

	_ "golang.org/x/image/bmp"

	"github.com/gogpu/shadernn/ir"
	"github.com/gogpu/shadernn/tensor"
)

// Status is the state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Tensor is the wire form of a tensor. Exactly one of Data or Image is
// set. Image holds a base64 PNG, JPEG or BMP; on input it is scaled to the
// declared input shape.
type Tensor struct {
	Width    int       `json:"width,omitempty"`
	Height   int       `json:"height,omitempty"`
	Channels int       `json:"channels,omitempty"`
	Data     []float32 `json:"data,omitempty"`
	Image    string    `json:"image,omitempty"`
}

// RunRequest is the body of POST /v1/models/:name/runs.
type RunRequest struct {
	Inputs []Tensor `json:"inputs"`
	// Format selects the output encoding: "data" (default) or "png".
	Format     string `json:"format,omitempty"`
	CaptureAll bool   `json:"capture_all,omitempty"`
	// Async returns immediately; completion is reported on /v1/events and
	// GET /v1/runs/:id.
	Async bool `json:"async,omitempty"`
}

// Run is the record of one run.
type Run struct {
	ID         string    `json:"id"`
	Model      string    `json:"model"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	DurationMS float64   `json:"duration_ms,omitempty"`
	Outputs    []Tensor  `json:"outputs,omitempty"`
	Layers     []Tensor  `json:"layers,omitempty"`
	Issues     []string  `json:"issues,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// ModelInfo describes a served model.
type ModelInfo struct {
	Name    string   `json:"name"`
	Backend string   `json:"backend"`
	Inputs  []Tensor `json:"inputs"`
	Layers  int      `json:"layers"`
	Passes  int      `json:"passes"`
}

// ErrorBody is the error payload of every failed request.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func shapeOf(s ir.Shape) Tensor {
	return Tensor{Width: s.Width, Height: s.Height, Channels: s.Channels}
}

// decodeTensor converts d into a tensor of shape want.
func decodeTensor(d Tensor, want ir.Shape) (*tensor.Tensor, error) {
	if d.Image != "" {
		raw, err := base64.StdEncoding.DecodeString(d.Image)
		if err != nil {
			return nil, fmt.Errorf("image: %w", err)
		}
		img, _, err := image.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("image: %w", err)
		}
		return tensor.FromImageSize(img, want.Width, want.Height, want.Channels)
	}
	w, h, c := d.Width, d.Height, d.Channels
	if w == 0 && h == 0 && c == 0 {
		w, h, c = want.Width, want.Height, want.Channels
	}
	return tensor.FromSlice(w, h, c, d.Data)
}

// encodeTensor converts t to its wire form.
func encodeTensor(t *tensor.Tensor, format string) (Tensor, error) {
	d := Tensor{Width: t.Width, Height: t.Height, Channels: t.Channels}
	if format != "png" {
		d.Data = t.Data
		return d, nil
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, t.ToImage()); err != nil {
		return d, err
	}
	d.Image = base64.StdEncoding.EncodeToString(buf.Bytes())
	return d, nil
}
