package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/gogpu/shadernn"
	"github.com/gogpu/shadernn/backend"
	"github.com/gogpu/shadernn/internal/logging"
	"github.com/gogpu/shadernn/ir"
)

// Config represents the snnc configuration file
// ($XDG_CONFIG_HOME/shadernn/config.yaml). Pointer fields distinguish "not
// set" from zero values. Explicit flags always win.
type Config struct {
	Backend     string         `yaml:"backend"`
	Precision   string         `yaml:"precision"`
	Packing     string         `yaml:"packing"`
	Weights     string         `yaml:"weights"`
	Stage       string         `yaml:"stage"`
	ErrorPolicy string         `yaml:"error_policy"`
	Validate    *bool          `yaml:"validate"`
	Debug       *bool          `yaml:"debug"`
	WaitTimeout *time.Duration `yaml:"wait_timeout"`
	Workers     *int           `yaml:"workers"`
	LogLevel    string         `yaml:"log_level"`

	// Server
	ServerAddress string `yaml:"server_address"`
	RunHistory    *int   `yaml:"run_history"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "shadernn", "config.yaml")
}

// LoadConfig reads the config file at path, or the default path when path
// is empty. A missing default file yields a zero Config.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
	}
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// apply copies config values into s for every flag not set on the command
// line.
func (cfg Config) apply(c *cli.Command, s *settings) {
	setString := func(flag string, dst *string, v string) {
		if v != "" && !c.IsSet(flag) {
			*dst = v
		}
	}
	setString("backend", &s.backend, cfg.Backend)
	setString("precision", &s.precision, cfg.Precision)
	setString("packing", &s.packing, cfg.Packing)
	setString("weights", &s.weights, cfg.Weights)
	setString("stage", &s.stage, cfg.Stage)
	setString("error-policy", &s.policy, cfg.ErrorPolicy)
	setString("log-level", &s.logLevel, cfg.LogLevel)
	if cfg.Validate != nil && !c.IsSet("validate") {
		s.validate = *cfg.Validate
	}
	if cfg.Debug != nil && !c.IsSet("debug") {
		s.debug = *cfg.Debug
	}
	if cfg.WaitTimeout != nil && !c.IsSet("wait-timeout") {
		s.waitTimeout = *cfg.WaitTimeout
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		s.workers = int64(*cfg.Workers)
	}
}

// setup loads the config, merges it under the flags and installs the
// logger. It runs first in every command action.
func setup(c *cli.Command, s *settings) (Config, error) {
	cfg, err := LoadConfig(s.configFile)
	if err != nil {
		return cfg, err
	}
	cfg.apply(c, s)
	shadernn.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logging.ParseLevel(s.logLevel),
	})))
	return cfg, nil
}

// genOptions parses the generation flags.
func (s *settings) genOptions() (ir.GenOptions, error) {
	var (
		o   ir.GenOptions
		err error
	)
	if o.Precision, err = ir.ParsePrecision(s.precision); err != nil {
		return o, err
	}
	if o.Packing, err = ir.ParsePacking(s.packing); err != nil {
		return o, err
	}
	if o.Weights, err = ir.ParseWeightMethod(s.weights); err != nil {
		return o, err
	}
	if o.Stage, err = ir.ParseStage(s.stage); err != nil {
		return o, err
	}
	o.Debug = s.debug
	return o, nil
}

// runtimeOptions turns the settings into runtime options.
func (s *settings) runtimeOptions() ([]shadernn.Option, error) {
	gen, err := s.genOptions()
	if err != nil {
		return nil, err
	}
	policy, err := backend.ParseErrorPolicy(s.policy)
	if err != nil {
		return nil, err
	}
	opts := []shadernn.Option{
		shadernn.WithPrecision(gen.Precision),
		shadernn.WithPacking(gen.Packing),
		shadernn.WithWeightMethod(gen.Weights),
		shadernn.WithStage(gen.Stage),
		shadernn.WithDebug(gen.Debug),
		shadernn.WithErrorPolicy(policy),
		shadernn.WithValidation(s.validate),
		shadernn.WithWaitTimeout(s.waitTimeout),
		shadernn.WithWorkers(int(s.workers)),
	}
	if s.backend != "" && s.backend != "auto" {
		opts = append(opts, shadernn.WithBackend(s.backend))
	}
	return opts, nil
}

// newRuntime creates a runtime from the settings.
func (s *settings) newRuntime() (*shadernn.Runtime, error) {
	opts, err := s.runtimeOptions()
	if err != nil {
		return nil, err
	}
	return shadernn.New(opts...)
}
