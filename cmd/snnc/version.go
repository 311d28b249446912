package main

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/urfave/cli/v3"

	"github.com/gogpu/shadernn"
)

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			out := stdout(cmd)
			_, _ = fmt.Fprintf(out, "version:    %s\n", shadernn.Version)
			if info, ok := debug.ReadBuildInfo(); ok {
				_, _ = fmt.Fprintf(out, "go:         %s\n", info.GoVersion)
				for _, s := range info.Settings {
					if s.Key == "vcs.revision" {
						_, _ = fmt.Fprintf(out, "commit:     %s\n", s.Value)
					}
				}
			}
			return nil
		},
	}
}
