package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/gogpu/shadernn"
	"github.com/gogpu/shadernn/internal/server"
)

func serveCmd() *cli.Command {
	var (
		s           settings
		addr        string
		readTimeout time.Duration
		history     int64
	)
	return &cli.Command{
		Name:      "serve",
		Usage:     "Serve models over HTTP with a websocket event stream",
		ArgsUsage: "MODEL...",
		Flags: allFlags(&s,
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Int64Flag{
				Name:        "history",
				Usage:       "number of run records kept for GET /v1/runs/:id",
				Value:       server.DefaultHistory,
				Destination: &history,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := setup(cmd, &s)
			if err != nil {
				return err
			}
			if cfg.ServerAddress != "" && !cmd.IsSet("addr") {
				addr = cfg.ServerAddress
			}
			if cfg.RunHistory != nil && !cmd.IsSet("history") {
				history = int64(*cfg.RunHistory)
			}
			if cmd.Args().Len() == 0 {
				return errors.New("missing MODEL argument")
			}

			rt, err := s.newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			programs := make([]*shadernn.Program, 0, cmd.Args().Len())
			for _, path := range cmd.Args().Slice() {
				p, err := rt.Load(path)
				if err != nil {
					return err
				}
				programs = append(programs, p)
			}

			srv, err := server.New(rt.Backend(), programs, server.WithHistory(int(history)))
			if err != nil {
				return err
			}
			defer srv.Close()

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			srv.Register(e)
			shadernn.Logger().Info("starting server", "address", addr, "models", len(programs), "backend", rt.Backend())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(hs *http.Server) error {
					hs.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
