package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"golang.org/x/image/bmp"

	"github.com/gogpu/shadernn/backend"
	"github.com/gogpu/shadernn/ir"
	"github.com/gogpu/shadernn/tensor"
)

// tensorFile is the JSON form of a tensor on disk.
type tensorFile struct {
	Width    int       `json:"width"`
	Height   int       `json:"height"`
	Channels int       `json:"channels"`
	Data     []float32 `json:"data"`
}

func runCmd() *cli.Command {
	var (
		s       settings
		inputs  []string
		output  string
		repeat  int64
		zeros   bool
		capture string
	)
	return &cli.Command{
		Name:      "run",
		Usage:     "Run a model on images or tensor files",
		ArgsUsage: "MODEL",
		Flags: allFlags(&s,
			&cli.StringSliceFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "input image (png, jpeg, bmp) or tensor .json, once per declared input",
				Destination: &inputs,
			},
			&cli.BoolFlag{
				Name:        "zeros",
				Usage:       "run on zero tensors instead of --input",
				Destination: &zeros,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "write the output to `FILE` (.png, .bmp or .json)",
				Destination: &output,
			},
			&cli.StringFlag{
				Name:        "capture",
				Usage:       "write every layer output to `DIR` as .json",
				Destination: &capture,
			},
			&cli.Int64Flag{
				Name:        "repeat",
				Usage:       "run N times and report the mean duration",
				Value:       1,
				Destination: &repeat,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if _, err := setup(cmd, &s); err != nil {
				return err
			}
			path := cmd.Args().First()
			if path == "" {
				return errors.New("missing MODEL argument")
			}
			rt, err := s.newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			prog, err := rt.Load(path)
			if err != nil {
				return err
			}
			for _, issue := range prog.Issues() {
				_, _ = fmt.Fprintln(os.Stderr, "warning:", issue)
			}

			in, err := loadInputs(prog.Inputs(), inputs, zeros)
			if err != nil {
				return err
			}
			params := backend.RunParameters{Inputs: in, CaptureAll: capture != ""}

			var (
				res   *backend.Result
				total time.Duration
			)
			for range max(repeat, 1) {
				start := time.Now()
				if res, err = prog.Execute(ctx, params); err != nil {
					return err
				}
				total += time.Since(start)
			}
			out := res.Output()
			mean := total / time.Duration(max(repeat, 1))
			_, _ = fmt.Fprintf(stdout(cmd), "%s: %dx%dx%d on %s in %v (mean of %d)\n",
				prog.Name(), out.Width, out.Height, out.Channels, rt.Backend(), mean.Round(time.Microsecond), max(repeat, 1))
			if s.debug {
				_, _ = fmt.Fprintf(stdout(cmd), "invocations: %d\n", res.DebugCount)
			}

			if capture != "" {
				if err := writeLayers(capture, prog.Graph(), res.Layers); err != nil {
					return err
				}
			}
			if output != "" {
				return writeTensor(output, out)
			}
			return nil
		},
	}
}

// loadInputs reads one tensor per declared shape.
func loadInputs(shapes []ir.Shape, paths []string, zeros bool) ([]*tensor.Tensor, error) {
	if zeros {
		in := make([]*tensor.Tensor, len(shapes))
		for i, s := range shapes {
			in[i] = tensor.New(s.Width, s.Height, s.Channels)
		}
		return in, nil
	}
	if len(paths) != len(shapes) {
		return nil, fmt.Errorf("model takes %d inputs, got %d --input flags", len(shapes), len(paths))
	}
	in := make([]*tensor.Tensor, len(shapes))
	for i, p := range paths {
		t, err := readTensor(p, shapes[i])
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		in[i] = t
	}
	return in, nil
}

// readTensor loads a tensor .json as is, or decodes an image and scales it
// to want.
func readTensor(path string, want ir.Shape) (*tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	if strings.EqualFold(filepath.Ext(path), ".json") {
		var tf tensorFile
		if err := json.NewDecoder(f).Decode(&tf); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return tensor.FromSlice(tf.Width, tf.Height, tf.Channels, tf.Data)
	}
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tensor.FromImageSize(img, want.Width, want.Height, want.Channels)
}

// writeTensor writes t as JSON, PNG or BMP depending on the extension.
func writeTensor(path string, t *tensor.Tensor) (err error) {
	f, err := os.Create(path) //nolint:gosec // path is user-provided intentionally
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return encodeTensor(f, filepath.Ext(path), t)
}

func encodeTensor(w io.Writer, ext string, t *tensor.Tensor) error {
	switch strings.ToLower(ext) {
	case ".json":
		return json.NewEncoder(w).Encode(tensorFile{Width: t.Width, Height: t.Height, Channels: t.Channels, Data: t.Data})
	case ".bmp":
		return bmp.Encode(w, t.ToImage())
	case ".png", "":
		return png.Encode(w, t.ToImage())
	}
	return fmt.Errorf("unsupported output format %q", ext)
}

// writeLayers writes every captured layer output to dir.
func writeLayers(dir string, g *ir.InferenceGraph, layers []*tensor.Tensor) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for i, t := range layers {
		if t == nil || i >= len(g.Layers) {
			continue
		}
		name := fmt.Sprintf("%03d_%s.json", i, fileSafe(g.Layers[i].Name))
		if err := writeTensor(filepath.Join(dir, name), t); err != nil {
			return err
		}
	}
	return nil
}
