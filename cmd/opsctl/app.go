package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/applykit/internal/audit"
	"github.com/smallbiznis/applykit/internal/clock"
	"github.com/smallbiznis/applykit/internal/config"
	"github.com/smallbiznis/applykit/internal/credits"
	"github.com/smallbiznis/applykit/internal/logger"
	"github.com/smallbiznis/applykit/internal/migration"
	"github.com/smallbiznis/applykit/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	startTimeout = 30 * time.Second
	stopTimeout  = 10 * time.Second
	// Node 1 is the API; the CLI takes its own range.
	opsSnowflakeNode = 900
)

// runWithApp starts a headless fx graph with the ledger stack plus extra,
// runs fn and stops the graph again.
func runWithApp(flags *globalFlags, fn func(ctx context.Context, log *zap.Logger) error, extra ...fx.Option) error {
	log, err := logger.New(flags.logLevel, flags.console)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	options := []fx.Option{
		fx.NopLogger,
		fx.Supply(log),
		fx.Provide(config.Load),
		clock.Module,
		fx.Provide(newSnowflakeNode),
		db.Module,
		migration.Module,
		audit.Module,
		credits.Module,
	}
	options = append(options, extra...)

	app := fx.New(options...)
	if err := app.Err(); err != nil {
		return fmt.Errorf("build app: %w", err)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return fmt.Errorf("start app: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := app.Stop(stopCtx); err != nil {
			log.Warn("stop app", zap.Error(err))
		}
	}()

	return fn(context.Background(), log)
}

func newSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(opsSnowflakeNode)
}
