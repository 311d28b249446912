package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/gogpu/shadernn/model"
	"github.com/gogpu/shadernn/op"
)

func inspectCmd() *cli.Command {
	var (
		s       settings
		convert string
		kinds   bool
	)
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Describe a model file without compiling it",
		ArgsUsage: "MODEL",
		Flags: append(loggingFlags(&s),
			&cli.StringFlag{
				Name:        "convert",
				Usage:       "rewrite the model (either format) as a current-format JSON `FILE`",
				Destination: &convert,
			},
			&cli.BoolFlag{
				Name:        "kinds",
				Usage:       "list the operator kinds the loader accepts",
				Destination: &kinds,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if _, err := setup(cmd, &s); err != nil {
				return err
			}
			out := stdout(cmd)
			if kinds {
				for _, k := range op.DefaultRegistry().Kinds() {
					if _, err := fmt.Fprintln(out, k); err != nil {
						return err
					}
				}
				return nil
			}

			path := cmd.Args().First()
			if path == "" {
				return errors.New("missing MODEL argument")
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			f, err := model.Unmarshal(data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if convert != "" {
				w, err := os.Create(convert) //nolint:gosec // path is user-provided intentionally
				if err != nil {
					return err
				}
				if err := f.Encode(w); err != nil {
					_ = w.Close()
					return err
				}
				return w.Close()
			}
			return describeModel(out, f)
		},
	}
}

func describeModel(w io.Writer, f *model.File) error {
	var b strings.Builder
	name := f.Name
	if name == "" {
		name = "(unnamed)"
	}
	fmt.Fprintf(&b, "model %s: %d inputs, %d layers\n", name, len(f.Inputs), len(f.Layers))
	for i, in := range f.Inputs {
		fmt.Fprintf(&b, "  input %d %-12s %dx%dx%d\n", i, in.Name, in.Width, in.Height, in.Channels)
	}
	for i, l := range f.Layers {
		reads := "previous"
		if len(l.Inputs) > 0 {
			reads = strings.Join(l.Inputs, ",")
		}
		fmt.Fprintf(&b, "  layer %d %-12s %-20s <- %s\n", i, l.Name, l.Type, reads)
		if len(l.Params) > 0 {
			keys := make([]string, 0, len(l.Params))
			for k := range l.Params {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			parts := make([]string, len(keys))
			for j, k := range keys {
				parts[j] = fmt.Sprintf("%s=%v", k, l.Params[k])
			}
			fmt.Fprintf(&b, "      params  %s\n", strings.Join(parts, " "))
		}
		if len(l.Weights) > 0 {
			keys := make([]string, 0, len(l.Weights))
			for k := range l.Weights {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			parts := make([]string, len(keys))
			for j, k := range keys {
				parts[j] = fmt.Sprintf("%s[%d]", k, len(l.Weights[k]))
			}
			fmt.Fprintf(&b, "      weights %s\n", strings.Join(parts, " "))
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
