package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/gogpu/shadernn/compiler"
	"github.com/gogpu/shadernn/ir"
	"github.com/gogpu/shadernn/model"
)

func compileCmd() *cli.Command {
	var (
		s       settings
		asJSON  bool
		source  bool
		emitDir string
	)
	return &cli.Command{
		Name:      "compile",
		Usage:     "Compile a model and print its layer table",
		ArgsUsage: "MODEL",
		Flags: append(append(loggingFlags(&s), generationFlags(&s)...),
			&cli.BoolFlag{Name: "json", Usage: "print the compiled graph as JSON", Destination: &asJSON},
			&cli.BoolFlag{Name: "source", Usage: "include program sources in JSON output", Destination: &source},
			&cli.StringFlag{Name: "emit", Usage: "write every program to `DIR` as .wgsl files", Destination: &emitDir},
			&cli.BoolFlag{Name: "validate", Usage: "validate every program with naga", Destination: &s.validate},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if _, err := setup(cmd, &s); err != nil {
				return err
			}
			ig, name, err := compileModel(ctx, cmd, &s)
			if err != nil {
				return err
			}
			out := stdout(cmd)
			switch {
			case asJSON:
				err = writeGraphJSON(out, name, ig, source)
			case emitDir == "":
				_, err = io.WriteString(out, compiler.Summary(ig))
			}
			if err != nil || emitDir == "" {
				return err
			}
			n, err := emitPrograms(ig, emitDir)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "wrote %d programs to %s\n", n, emitDir)
			return err
		},
	}
}

// stdout returns the writer command output goes to.
func stdout(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

// compileModel loads the model named by the first argument and lowers it
// with the command's generation flags.
func compileModel(ctx context.Context, cmd *cli.Command, s *settings) (*ir.InferenceGraph, string, error) {
	path := cmd.Args().First()
	if path == "" {
		return nil, "", errors.New("missing MODEL argument")
	}
	gen, err := s.genOptions()
	if err != nil {
		return nil, "", err
	}
	m, err := model.Load(path, nil)
	if err != nil {
		return nil, "", err
	}
	ig, err := compiler.Compile(m.Graph, m.Root, m.Options(gen),
		compiler.WithValidation(s.validate),
		compiler.WithContext(ctx),
		compiler.WithSummary(false))
	if err != nil {
		return nil, "", err
	}
	name := m.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return ig, name, nil
}

type shapeJSON struct {
	Width    int `json:"width"`
	Height   int `json:"height"`
	Channels int `json:"channels"`
}

func toShapeJSON(s ir.Shape) shapeJSON {
	return shapeJSON{Width: s.Width, Height: s.Height, Channels: s.Channels}
}

type weightJSON struct {
	Name   string `json:"name"`
	Method string `json:"method"`
	Floats int    `json:"floats"`
}

type passJSON struct {
	Name        string       `json:"name"`
	Dispatch    string       `json:"dispatch"`
	Groups      *[3]uint32   `json:"groups,omitempty"`
	Planes      []int        `json:"planes,omitempty"`
	Bindings    []string     `json:"bindings,omitempty"`
	Uniforms    []string     `json:"uniforms,omitempty"`
	Weights     []weightJSON `json:"weights,omitempty"`
	SourceBytes int          `json:"source_bytes"`
	Source      string       `json:"source,omitempty"`
}

type layerJSON struct {
	Index     int         `json:"index"`
	Name      string      `json:"name"`
	Kind      string      `json:"kind"`
	Placement string      `json:"placement"`
	Reads     []string    `json:"reads"`
	Output    shapeJSON   `json:"output"`
	Passes    []passJSON  `json:"passes"`
	Inputs    []shapeJSON `json:"input_shapes"`
}

type graphJSON struct {
	Name      string      `json:"name"`
	Precision string      `json:"precision"`
	Packing   string      `json:"packing"`
	Weights   string      `json:"weights"`
	Stage     string      `json:"stage"`
	Inputs    []shapeJSON `json:"inputs"`
	Outputs   []int       `json:"outputs"`
	Layers    []layerJSON `json:"layers"`
}

func describeGraph(name string, ig *ir.InferenceGraph, source bool) graphJSON {
	g := graphJSON{
		Name:      name,
		Precision: ig.Options.Precision.String(),
		Packing:   ig.Options.Packing.String(),
		Weights:   ig.Options.Weights.String(),
		Stage:     ig.Options.Stage.String(),
		Outputs:   ig.Outputs(),
	}
	for _, in := range ig.Inputs {
		g.Inputs = append(g.Inputs, toShapeJSON(in.Shape))
	}
	for _, l := range ig.Layers {
		lj := layerJSON{
			Index:     l.Index,
			Name:      l.Name,
			Kind:      l.Kind,
			Placement: l.Placement.String(),
			Output:    toShapeJSON(l.Output),
		}
		for _, r := range l.Refs {
			lj.Reads = append(lj.Reads, r.String())
		}
		for _, s := range l.InputShapes {
			lj.Inputs = append(lj.Inputs, toShapeJSON(s))
		}
		for _, p := range l.Passes {
			pj := passJSON{Name: p.Name, Dispatch: p.Dispatch.Kind.String(), SourceBytes: len(p.Source)}
			switch p.Dispatch.Kind {
			case ir.DispatchCompute:
				groups := p.Dispatch.Groups
				pj.Groups = &groups
			case ir.DispatchDraw:
				for i := 0; i < p.Dispatch.PlaneCount; i++ {
					pj.Planes = append(pj.Planes, p.Dispatch.FirstPlane+i)
				}
			}
			for _, b := range p.Bindings {
				pj.Bindings = append(pj.Bindings, fmt.Sprintf("%d:%s:%s", b.Slot, b.Kind, b.Name))
			}
			for _, u := range p.Uniforms {
				pj.Uniforms = append(pj.Uniforms, u.Name)
			}
			for _, w := range p.Weights {
				pj.Weights = append(pj.Weights, weightJSON{Name: w.Name, Method: w.Method.String(), Floats: len(w.Data)})
			}
			if source {
				pj.Source = p.Source
			}
			lj.Passes = append(lj.Passes, pj)
		}
		g.Layers = append(g.Layers, lj)
	}
	return g
}

func writeGraphJSON(w io.Writer, name string, ig *ir.InferenceGraph, source bool) error {
	data, err := json.MarshalIndent(describeGraph(name, ig, source), "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

// emitPrograms writes one .wgsl file per generated program.
func emitPrograms(ig *ir.InferenceGraph, dir string) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	n := 0
	for _, l := range ig.Layers {
		for _, p := range l.Passes {
			if p.Source == "" {
				continue
			}
			name := fmt.Sprintf("%03d_%s.wgsl", l.Index, fileSafe(p.Name))
			if err := os.WriteFile(filepath.Join(dir, name), []byte(p.Source), 0o644); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func fileSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		}
		return '_'
	}, s)
}
