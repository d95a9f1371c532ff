// Package app wires configuration into a ready-to-use engine.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matthewcove-stack/intent-normaliser/internal/config"
	"github.com/matthewcove-stack/intent-normaliser/internal/db"
	"github.com/matthewcove-stack/intent-normaliser/internal/engine"
	"github.com/matthewcove-stack/intent-normaliser/internal/execution"
	"github.com/matthewcove-stack/intent-normaliser/internal/migrate"
	"github.com/matthewcove-stack/intent-normaliser/internal/pipeline"
	"github.com/matthewcove-stack/intent-normaliser/internal/policy"
	"github.com/matthewcove-stack/intent-normaliser/internal/resolve"
)

// Context is the assembled application. Close releases the store.
type Context struct {
	Config *config.Config
	DB     *sql.DB
	Engine engine.Engine
	Logger *zap.Logger
}

func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}

// Open connects to the configured store and applies migrations.
func Open(ctx context.Context, cfg *config.Config) (*sql.DB, db.Dialect, error) {
	conn, dialect, err := db.Open(db.Config{Driver: cfg.Database.Driver, URL: cfg.Database.URL})
	if err != nil {
		return nil, "", fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(ctx, conn); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("ping database: %w", err)
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("migrate: %w", err)
	}
	return conn, dialect, nil
}

// Build opens the store and assembles the pipeline, execution adapter and engine.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Context, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p, err := NewPipeline(cfg, logger)
	if err != nil {
		return nil, err
	}
	conn, dialect, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	e := engine.New(conn, dialect, cfg, p, NewAdapter(cfg, logger), logger)
	return &Context{Config: cfg, DB: conn, Engine: e, Logger: logger}, nil
}

// NewPipeline builds the normalisation pipeline from cfg. Entity lookups are
// disabled when no context service is configured, which turns every entity
// reference into a clarification.
func NewPipeline(cfg *config.Config, logger *zap.Logger) (*pipeline.Pipeline, error) {
	schema, err := pipeline.NewSchema()
	if err != nil {
		return nil, err
	}
	gate, err := policy.NewGate(cfg.Policy.MinConfidenceToWrite, cfg.Policy.MaxInferredFields, cfg.Policy.Rules)
	if err != nil {
		return nil, fmt.Errorf("policy rules: %w", err)
	}
	anchor, ok := config.ParseWeekday(cfg.Resolution.NextWeekAnchor)
	if !ok {
		anchor = time.Monday
	}
	lookupTimeout := time.Duration(cfg.Resolution.Lookup.TimeoutSeconds) * time.Second
	entities := resolve.EntityResolver{
		MinScore: cfg.Resolution.MinScore,
		Margin:   cfg.Resolution.Margin,
		Timeout:  lookupTimeout,
		Logger:   logger,
	}
	if base := strings.TrimSpace(cfg.Resolution.Lookup.BaseURL); base != "" {
		entities.Lookup = &resolve.HTTPLookup{
			BaseURL: base,
			Token:   cfg.Resolution.Lookup.Token,
			Limit:   cfg.Resolution.Lookup.Limit,
			Timeout: lookupTimeout,
		}
	}
	return &pipeline.Pipeline{
		Schema:   schema,
		Entities: entities,
		Temporal: resolve.TemporalResolver{Location: cfg.Location(), Anchor: anchor},
		Gate:     gate,
		Defaults: cfg.Defaults,
		Logger:   logger,
	}, nil
}

// NewAdapter builds the execution adapter; it stays disabled unless
// execution is switched on in cfg.
func NewAdapter(cfg *config.Config, logger *zap.Logger) *execution.Adapter {
	timeout := time.Duration(cfg.Execution.TimeoutSeconds) * time.Second
	adapter := &execution.Adapter{
		Enabled: cfg.Execution.Enabled,
		Timeout: timeout,
		Logger:  logger,
	}
	if cfg.Execution.Enabled {
		adapter.Kernel = &execution.HTTPKernel{
			BaseURL: cfg.Execution.GatewayURL,
			Token:   cfg.Execution.GatewayToken,
			Timeout: timeout,
		}
	}
	return adapter
}
