// Command snnc compiles, validates, runs and serves shadernn models.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "snnc",
		Usage: "Shader neural network compiler and runtime",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			compileCmd(),
			validateCmd(),
			runCmd(),
			serveCmd(),
			inspectCmd(),
			versionCmd(),
		},
	}
}
