package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/smallbiznis/applykit/internal/cache"
	"github.com/smallbiznis/applykit/internal/config"
	"github.com/smallbiznis/applykit/internal/identity"
	identityservice "github.com/smallbiznis/applykit/internal/identity/service"
	"github.com/smallbiznis/applykit/internal/jobmetrics"
	"github.com/smallbiznis/applykit/internal/ratelimit"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	identitySyncJob     = "identity_sync"
	identitySyncLockKey = "lock:ops:identity-sync"
	identitySyncLockTTL = 30 * time.Minute
)

type syncRunner interface {
	Run(ctx context.Context) (identityservice.SyncStats, error)
}

func identitySyncCmd(flags *globalFlags) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "identity-sync",
		Short: "Mirror identity provider users into balance accounts",
		Long: `Pages through the identity provider's user listing and creates a balance
account for every user that has none. Existing accounts only get their email
refreshed; credits are never changed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				cfg    config.Config
				syncer *identityservice.Syncer
				locker *ratelimit.Locker
			)
			return runWithApp(flags, func(ctx context.Context, log *zap.Logger) error {
				if timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, timeout)
					defer cancel()
				}
				pusher := jobmetrics.NewPusher(cfg, identitySyncJob, log)
				stats, err := runIdentitySync(ctx, log, syncer, locker, pusher)
				if err != nil {
					return err
				}
				return printStats(cmd.OutOrStdout(), stats)
			},
				cache.Module,
				fx.Provide(ratelimit.NewLocker),
				identity.SyncModule,
				fx.Populate(&cfg, &syncer, &locker),
			)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "abort the sync after this long (0 means no limit)")
	return cmd
}

// runIdentitySync runs the syncer under the ops lock and reports job metrics.
// Without redis the lock is skipped.
func runIdentitySync(ctx context.Context, log *zap.Logger, runner syncRunner, locker *ratelimit.Locker, pusher jobmetrics.Pusher) (identityservice.SyncStats, error) {
	run := jobmetrics.NewRun(identitySyncJob)

	var stats identityservice.SyncStats
	err := locker.WithLock(ctx, identitySyncLockKey, identitySyncLockTTL, func(ctx context.Context) error {
		var runErr error
		stats, runErr = runner.Run(ctx)
		return runErr
	})
	if errors.Is(err, ratelimit.ErrLockHeld) {
		log.Warn("identity sync already running elsewhere")
		return stats, err
	}

	run.SetItems("pages", stats.Pages)
	run.SetItems("seen", stats.Seen)
	run.SetItems("created", stats.Created)
	run.SetItems("skipped", stats.Skipped)
	run.SetItems("failed", stats.Failed)

	if pushErr := run.Finish(ctx, pusher, err); pushErr != nil {
		log.Warn("push job metrics", zap.Error(pushErr))
	}
	if err != nil {
		return stats, fmt.Errorf("identity sync: %w", err)
	}
	return stats, nil
}

func printStats(w io.Writer, stats identityservice.SyncStats) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]int{
		"pages":   stats.Pages,
		"seen":    stats.Seen,
		"created": stats.Created,
		"skipped": stats.Skipped,
		"failed":  stats.Failed,
	})
}
