package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/gogpu/shadernn/internal/wgsl"
	"github.com/gogpu/shadernn/ir"
)

func validateCmd() *cli.Command {
	var (
		s      settings
		matrix bool
	)
	return &cli.Command{
		Name:      "validate",
		Usage:     "Compile every generated program with naga",
		ArgsUsage: "MODEL | FILE.wgsl...",
		Flags: append(append(loggingFlags(&s), generationFlags(&s)...),
			&cli.BoolFlag{
				Name:        "matrix",
				Usage:       "validate every stage and weight method combination",
				Destination: &matrix,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if _, err := setup(cmd, &s); err != nil {
				return err
			}
			out := stdout(cmd)
			if cmd.Args().Len() == 0 {
				return errors.New("missing MODEL argument")
			}
			if strings.EqualFold(filepath.Ext(cmd.Args().First()), ".wgsl") {
				n, err := validateFiles(ctx, cmd.Args().Slice())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(out, "ok: %d programs\n", n)
				return err
			}

			s.validate = true
			variants := []settings{s}
			if matrix {
				variants = variants[:0]
				for _, stage := range []ir.Stage{ir.StageCompute, ir.StageDraw} {
					for _, w := range []ir.WeightMethod{ir.WeightConstants, ir.WeightUniform, ir.WeightStorage, ir.WeightTexture} {
						v := s
						v.stage = stage.String()
						v.weights = w.String()
						variants = append(variants, v)
					}
				}
			}
			for _, v := range variants {
				ig, _, err := compileModel(ctx, cmd, &v)
				if err != nil {
					return fmt.Errorf("%s/%s: %w", v.stage, v.weights, err)
				}
				if _, err := fmt.Fprintf(out, "ok: %s stage, %s weights: %d programs\n", v.stage, v.weights, ig.PassCount()); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// validateFiles validates standalone WGSL files.
func validateFiles(ctx context.Context, paths []string) (int, error) {
	programs := make([]wgsl.Program, 0, len(paths))
	for _, p := range paths {
		src, err := os.ReadFile(p)
		if err != nil {
			return 0, err
		}
		programs = append(programs, wgsl.Program{Name: filepath.Base(p), Source: string(src)})
	}
	return len(programs), wgsl.ValidateAll(ctx, programs)
}
