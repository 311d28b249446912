package main

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/gogpu/shadernn"
)

const tinyModel = `{
  "name": "tiny",
  "inputs": [{"name": "image", "width": 2, "height": 2, "channels": 1}],
  "layers": [
    {"name": "conv", "type": "Conv2D",
     "params": {"filters": 1, "kernel_size": 1, "activation": "relu"},
     "weights": {"kernel": [2], "bias": [1]}},
    {"name": "pool", "type": "MaxPooling2D", "params": {"pool_size": [2, 2]}}
  ]
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// snnc runs the CLI with args and returns its standard output.
func snnc(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() { shadernn.SetLogger(nil) })
	// Keep the user's config out of the tests.
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	err := app.Run(context.Background(), append([]string{"snnc"}, args...))
	return out.String(), err
}

func TestCompileSummary(t *testing.T) {
	model := writeFile(t, "tiny.json", tinyModel)
	out, err := snnc(t, "compile", model)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	for _, want := range []string{"Layer ID", "conv", "pool", "2 layers"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}

	if _, err := snnc(t, "compile"); err == nil {
		t.Error("compile without MODEL succeeded")
	}
	if _, err := snnc(t, "compile", "--stage", "vertex", model); err == nil {
		t.Error("compile with unknown stage succeeded")
	}
}

func TestCompileJSONAndConfig(t *testing.T) {
	model := writeFile(t, "tiny.json", tinyModel)
	cfg := writeFile(t, "config.yaml", "stage: draw\nweights: uniform\nlog_level: error\n")

	describe := func(args ...string) graphJSON {
		t.Helper()
		out, err := snnc(t, append([]string{"compile", "--json", "--config", cfg}, args...)...)
		if err != nil {
			t.Fatalf("compile --json: %v", err)
		}
		var g graphJSON
		if err := json.Unmarshal([]byte(out), &g); err != nil {
			t.Fatalf("decode: %v\n%s", err, out)
		}
		return g
	}

	g := describe(model)
	if g.Name != "tiny" || len(g.Layers) != 2 || len(g.Inputs) != 1 {
		t.Fatalf("graph = %+v", g)
	}
	if g.Stage != "draw" || g.Weights != "uniform" {
		t.Errorf("config not applied: stage %s, weights %s", g.Stage, g.Weights)
	}
	if g.Layers[0].Passes[0].SourceBytes == 0 || g.Layers[0].Passes[0].Source != "" {
		t.Errorf("pass source = %d bytes, %q", g.Layers[0].Passes[0].SourceBytes, g.Layers[0].Passes[0].Source)
	}

	// Flags win over the config file.
	if g := describe("--stage", "compute", "--source", model); g.Stage != "compute" || g.Layers[0].Passes[0].Source == "" {
		t.Errorf("flag override: stage %s, source %d bytes", g.Stage, len(g.Layers[0].Passes[0].Source))
	}
}

func TestCompileEmit(t *testing.T) {
	model := writeFile(t, "tiny.json", tinyModel)
	dir := filepath.Join(t.TempDir(), "wgsl")
	out, err := snnc(t, "compile", "--emit", dir, model)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "wrote") {
		t.Errorf("output = %q", out)
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.wgsl"))
	if err != nil || len(files) == 0 {
		t.Fatalf("emitted files = %v, %v", files, err)
	}

	out, err = snnc(t, "validate", files[0])
	if err != nil {
		t.Fatalf("validate %s: %v", files[0], err)
	}
	if !strings.Contains(out, "ok: 1 programs") {
		t.Errorf("validate output = %q", out)
	}
}

func TestValidate(t *testing.T) {
	model := writeFile(t, "tiny.json", tinyModel)
	out, err := snnc(t, "validate", model)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "ok: compute stage, constants weights") {
		t.Errorf("validate output = %q", out)
	}

	bad := writeFile(t, "bad.wgsl", "fn main( {")
	if _, err := snnc(t, "validate", bad); err == nil {
		t.Error("validate accepted broken WGSL")
	}
}

func TestRun(t *testing.T) {
	model := writeFile(t, "tiny.json", tinyModel)
	input := writeFile(t, "in.json", `{"width": 2, "height": 2, "channels": 1, "data": [-1, 0, 1, 0.5]}`)
	output := filepath.Join(t.TempDir(), "out.json")

	out, err := snnc(t, "run", "--backend", "software", "--workers", "2", "-i", input, "-o", output, "--repeat", "2", model)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "tiny: 1x1x1 on software") {
		t.Errorf("run output = %q", out)
	}
	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}
	var tf tensorFile
	if err := json.Unmarshal(data, &tf); err != nil {
		t.Fatal(err)
	}
	if len(tf.Data) != 1 || tf.Data[0] != 3 {
		t.Errorf("output tensor = %+v, want [3]", tf)
	}
}

func TestRunImages(t *testing.T) {
	model := writeFile(t, "tiny.json", tinyModel)
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatal(err)
	}
	input := writeFile(t, "in.png", buf.String())
	dir := t.TempDir()
	output := filepath.Join(dir, "out.png")
	capture := filepath.Join(dir, "layers")

	if _, err := snnc(t, "run", "--backend", "software", "-i", input, "-o", output, "--capture", capture, model); err != nil {
		t.Fatalf("run: %v", err)
	}
	f, err := os.Open(output)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 1 || b.Dy() != 1 {
		t.Errorf("output image %v, want 1x1", b)
	}
	layers, _ := filepath.Glob(filepath.Join(capture, "*.json"))
	if len(layers) != 2 {
		t.Errorf("captured %v, want 2 layer files", layers)
	}
}

func TestRunErrors(t *testing.T) {
	model := writeFile(t, "tiny.json", tinyModel)
	tests := [][]string{
		{"run", "--backend", "software"},
		{"run", "--backend", "software", model},
		{"run", "--backend", "software", "-i", "missing.png", model},
		{"run", "--backend", "tpu", "--zeros", model},
		{"run", "--backend", "software", "--error-policy", "ignore", "--zeros", model},
		{"run", "--backend", "software", "--zeros", "-o", filepath.Join(t.TempDir(), "out.tiff"), model},
	}
	for _, args := range tests {
		if _, err := snnc(t, args...); err == nil {
			t.Errorf("snnc %v succeeded", args)
		}
	}
}

func TestInspect(t *testing.T) {
	model := writeFile(t, "tiny.json", tinyModel)
	out, err := snnc(t, "inspect", model)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"model tiny: 1 inputs, 2 layers", "Conv2D", "kernel[1]", "filters=1"} {
		if !strings.Contains(out, want) {
			t.Errorf("inspect missing %q:\n%s", want, out)
		}
	}

	converted := filepath.Join(t.TempDir(), "converted.json")
	if _, err := snnc(t, "inspect", "--convert", converted, model); err != nil {
		t.Fatal(err)
	}
	if _, err := snnc(t, "compile", converted); err != nil {
		t.Errorf("compile converted model: %v", err)
	}

	out, err = snnc(t, "inspect", "--kinds")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Conv2D") {
		t.Errorf("kinds = %q", out)
	}
}

func TestLoadConfig(t *testing.T) {
	path := writeFile(t, "config.yaml", "backend: software\nvalidate: true\nwait_timeout: 2s\nrun_history: 8\nworkers: 3\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend != "software" || cfg.Validate == nil || !*cfg.Validate {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.WaitTimeout == nil || *cfg.WaitTimeout != 2*time.Second {
		t.Errorf("wait_timeout = %v", cfg.WaitTimeout)
	}
	if cfg.RunHistory == nil || *cfg.RunHistory != 8 {
		t.Errorf("run_history = %v", cfg.RunHistory)
	}
	if cfg.Workers == nil || *cfg.Workers != 3 {
		t.Errorf("workers = %v", cfg.Workers)
	}
	if cfg.Debug != nil {
		t.Error("unset debug should stay nil")
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("explicit missing config accepted")
	}
	if _, err := LoadConfig(writeFile(t, "bad.yaml", "backend: [")); err == nil {
		t.Error("malformed config accepted")
	}

	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if cfg, err := LoadConfig(""); err != nil || cfg.Backend != "" {
		t.Errorf("default missing config = %+v, %v", cfg, err)
	}
}
