package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/darkostanimirovic/draftkit"
	"github.com/darkostanimirovic/draftkit/checkpoint"
	"github.com/darkostanimirovic/draftkit/internal/config"
	"github.com/darkostanimirovic/draftkit/internal/fixture"
	"github.com/darkostanimirovic/draftkit/providers"
	"github.com/darkostanimirovic/draftkit/providers/openai"
)

// app holds a wired session and the resources it owns.
type app struct {
	session *draftkit.Session
	logger  *slog.Logger
	listen  string
	closers []func(context.Context) error
}

// Close flushes the tracer and closes the store.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// loadApp reads the configuration named by --config and wires a session.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, nil, os.Stderr)
}

// newApp wires a session from cfg. A nil provider is replaced by an
// OpenAI-compatible one.
func newApp(ctx context.Context, cfg *config.Config, provider providers.Provider, logOut io.Writer) (*app, error) {
	logger, err := newLogger(cfg.Logging, logOut)
	if err != nil {
		return nil, err
	}
	a := &app{logger: logger, listen: cfg.Listen}

	sessionCfg := draftkit.DefaultConfig()
	sessionCfg.Model = cfg.Model
	sessionCfg.Temperature = cfg.Temperature
	sessionCfg.MaxToolRounds = cfg.MaxToolRounds
	sessionCfg.MaxSteps = cfg.MaxSteps

	if provider == nil {
		if cfg.APIKey == "" {
			return nil, errors.New("an API key is required: set OPENAI_API_KEY or api_key")
		}
		provider = openai.NewWithConfig(openai.Config{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Logger:      logger,
			StrictTools: true,
		})
	}
	sessionCfg.Provider = provider

	if cfg.Fixture == "" {
		return nil, errors.New("no thread source configured: set fixture or DRAFTKIT_FIXTURE")
	}
	fx, err := fixture.Load(cfg.Fixture)
	if err != nil {
		return nil, err
	}
	fx.Apply(&sessionCfg)

	compression, err := checkpoint.ParseCompression(strings.ToLower(cfg.Store.Compression))
	if err != nil {
		return nil, err
	}
	codec, err := checkpoint.NewCodec(checkpoint.WithCompression(compression))
	if err != nil {
		return nil, err
	}
	sessionCfg.Codec = codec

	if err := a.openStore(cfg.Store, &sessionCfg); err != nil {
		return nil, err
	}

	retryCfg := draftkit.DefaultRetryConfig()
	retryCfg.MaxRetries = cfg.Retry.MaxRetries
	if cfg.Retry.InitialDelay > 0 {
		retryCfg.InitialDelay = cfg.Retry.InitialDelay
	}
	if cfg.Retry.MaxDelay > 0 {
		retryCfg.MaxDelay = cfg.Retry.MaxDelay
	}
	retryCfg.Logger = logger
	sessionCfg.Retry = &retryCfg
	sessionCfg.Timeout = &draftkit.TimeoutConfig{
		ContextLoad: cfg.Timeouts.ContextLoad,
		ModelCall:   cfg.Timeouts.ModelCall,
		ToolCall:    cfg.Timeouts.ToolCall,
	}
	sessionCfg.Parallel = &draftkit.ParallelConfig{
		Enabled:       cfg.Parallel.Enabled,
		MaxConcurrent: cfg.Parallel.MaxConcurrent,
	}

	level, _ := config.ParseLevel(cfg.Logging.Level)
	sessionCfg.Logging = &draftkit.LoggingConfig{
		Logger:          logger,
		Level:           level,
		LogToolCalls:    cfg.Logging.LogToolCalls,
		LogPrompts:      cfg.Logging.PromptLog != "",
		PromptLogPath:   cfg.Logging.PromptLog,
		RedactSensitive: true,
	}

	if cfg.Tracing.Enabled() {
		tracer, err := draftkit.NewOTelTracer(ctx, otelConfig(cfg.Tracing))
		if err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("setting up tracing: %w", err)
		}
		sessionCfg.Tracer = tracer
		a.closers = append(a.closers, tracer.Shutdown)
	}

	a.session, err = draftkit.New(sessionCfg)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) openStore(cfg config.StoreConfig, sessionCfg *draftkit.Config) error {
	switch cfg.Driver {
	case config.StoreMemory:
		sessionCfg.Store = checkpoint.NewMemoryStore()
	case config.StoreSQLite:
		store, err := checkpoint.OpenSQLite(cfg.Path)
		if err != nil {
			return fmt.Errorf("opening checkpoint store: %w", err)
		}
		sessionCfg.Store = store
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
	case config.StoreBolt:
		store, err := checkpoint.OpenBolt(cfg.Path)
		if err != nil {
			return fmt.Errorf("opening checkpoint store: %w", err)
		}
		sessionCfg.Store = store
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
	default:
		return fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	return nil
}

func otelConfig(cfg config.TracingConfig) draftkit.OTelConfig {
	out := draftkit.OTelConfig{Endpoint: cfg.Endpoint, Headers: cfg.Headers}
	if cfg.LangfusePublicKey != "" {
		out = draftkit.LangfuseConfig(cfg.LangfusePublicKey, cfg.LangfuseSecretKey, cfg.LangfuseURL)
	}
	out.ServiceName = cfg.ServiceName
	out.ServiceVersion = version
	out.Environment = cfg.Environment
	out.SetGlobal = true
	return out
}

func newLogger(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
