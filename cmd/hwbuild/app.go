package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/danshapiro/hwbuild/internal/config"
	"github.com/danshapiro/hwbuild/internal/llm"
	"github.com/danshapiro/hwbuild/internal/llm/anthropic"
	"github.com/danshapiro/hwbuild/internal/metrics"
	"github.com/danshapiro/hwbuild/internal/parts"
	"github.com/danshapiro/hwbuild/internal/pipeline/checkpoint"
	"github.com/danshapiro/hwbuild/internal/pipeline/engine"
	"github.com/danshapiro/hwbuild/internal/pipeline/runtime"
	"github.com/danshapiro/hwbuild/internal/pipeline/stages"
)

// app carries what every command shares: output streams, the flag/env
// overlay and the loaded configuration.
type app struct {
	stdout  io.Writer
	stderr  io.Writer
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  *slog.Logger

	// newGenerator builds the base model client; tests swap it.
	newGenerator func(cfg *config.Config) (llm.Generator, error)
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout:       stdout,
		stderr:       stderr,
		v:            viper.New(),
		newGenerator: baseGenerator,
	}
}

func (a *app) bind(key string, f *pflag.Flag) {
	if f != nil {
		_ = a.v.BindPFlag(key, f)
	}
}

func (a *app) init() error {
	cfg, err := config.LoadWith(a.cfgFile, a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = newLogger(cfg.Log, a.stderr)
	slog.SetDefault(a.logger)
	return nil
}

func newLogger(lc config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(lc.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

var baseGenerator = anthropicGenerator

func anthropicGenerator(cfg *config.Config) (llm.Generator, error) {
	c, err := anthropic.NewFromEnv(cfg.LLM.Model)
	if err != nil {
		return nil, err
	}
	c.MaxTokens = cfg.TokenOverrides()
	return c, nil
}

// pipeline is the wired stack behind build, resume, stage, abort and
// serve.
type pipeline struct {
	o       *engine.Orchestrator
	store   checkpoint.Store
	catalog *parts.Catalog
	metrics *metrics.Metrics
}

func (p *pipeline) Close() {
	if p.store != nil {
		_ = p.store.Close()
	}
	if p.catalog != nil {
		_ = p.catalog.Close()
	}
}

// generator wraps the model client in retries and the response cache.
func (a *app) generator(m *metrics.Metrics) (llm.Generator, error) {
	base, err := a.newGenerator(a.cfg)
	if err != nil {
		return nil, err
	}
	backoff := llm.DefaultBackoffConfig()
	backoff.InitialDelayMS = a.cfg.LLM.RetryBaseMS
	retry := llm.NewRetrying(base, a.cfg.LLM.MaxRetries, backoff)
	retry.Logger = a.logger.With("component", "llm")
	if a.cfg.CacheTTL() <= 0 {
		return retry, nil
	}
	cache, err := llm.NewCache(retry, a.cfg.LLM.CacheDir, a.cfg.LLM.Model, a.cfg.CacheTTL())
	if err != nil {
		return nil, fmt.Errorf("open response cache: %w", err)
	}
	cache.OnHit = m.CacheHit
	return cache, nil
}

// openCatalog opens the parts database when it exists. A missing
// database is not an error: the parts stage then works from the model
// alone.
func (a *app) openCatalog(ctx context.Context, create bool) (*parts.Catalog, error) {
	if !create {
		if _, err := os.Stat(a.cfg.Parts.DB); errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
	}
	return parts.Open(ctx, a.cfg.Parts.DB)
}

func (a *app) openStore(ctx context.Context) (checkpoint.Store, error) {
	loc := a.cfg.Paths.CheckpointURL
	if loc == "" {
		loc = a.cfg.Paths.StateDir
	}
	return checkpoint.Open(ctx, loc)
}

// openPipeline wires the generator stack, stage table, dispatcher and
// checkpoint store from the configuration.
func (a *app) openPipeline(ctx context.Context) (*pipeline, error) {
	p := &pipeline{metrics: metrics.New()}
	gen, err := a.generator(p.metrics)
	if err != nil {
		return nil, err
	}
	if p.catalog, err = a.openCatalog(ctx, false); err != nil {
		return nil, err
	}
	if p.catalog == nil {
		a.logger.Warn("parts.db_missing", "path", a.cfg.Parts.DB)
	}
	if p.store, err = a.openStore(ctx); err != nil {
		p.Close()
		return nil, err
	}

	deps := stages.Deps{
		Generator:  gen,
		FTSMax:     a.cfg.Parts.FTSMax,
		BOMMax:     a.cfg.Parts.BOMMax,
		INRUSD:     a.cfg.Parts.INRUSD,
		CompileSTL: a.cfg.Pipeline.CompileSTL,
		OpenSCAD:   a.cfg.Pipeline.OpenSCAD,
		Logger:     a.logger,
	}
	if p.catalog != nil {
		deps.Catalog = p.catalog
	}
	timeouts := map[runtime.StageID]time.Duration{}
	for name, d := range a.cfg.StageTimeouts() {
		timeouts[runtime.StageID(name)] = d
	}
	d, err := engine.NewDispatcher(stages.Table(deps),
		engine.WithTimeouts(timeouts), engine.WithLogger(a.logger), engine.WithMetrics(p.metrics))
	if err != nil {
		p.Close()
		return nil, err
	}
	p.o = &engine.Orchestrator{
		Dispatcher: d,
		Store:      p.store,
		StateRoot:  a.cfg.Paths.StateDir,
		Logger:     a.logger,
		Metrics:    p.metrics,
	}
	return p, nil
}

// childArgs are the global flags a staged child needs to see the same
// configuration as its parent.
func (a *app) childArgs() []string {
	var args []string
	if a.cfgFile != "" {
		args = append(args, "--config", a.cfgFile)
	}
	args = append(args, "--log-level", a.cfg.Log.Level, "--log-format", a.cfg.Log.Format)
	return args
}
