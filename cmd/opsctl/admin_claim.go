package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/applykit/internal/authorization"
	creditsdomain "github.com/smallbiznis/applykit/internal/credits/domain"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type adminClaimOptions struct {
	actorID string
	email   string
	role    string
}

func adminClaimCmd(flags *globalFlags) *cobra.Command {
	opts := &adminClaimOptions{}

	cmd := &cobra.Command{
		Use:   "admin-claim",
		Short: "Grant an administrative role to an actor",
		Long:  `Assigns the admin (or support) role to an identity provider user. Running it again is a no-op.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				authz   authorization.Service
				credits creditsdomain.Service
			)
			return runWithApp(flags, func(ctx context.Context, log *zap.Logger) error {
				added, err := claimAdmin(ctx, authz, credits, *opts)
				if err != nil {
					return err
				}
				log.Info("admin claim finished",
					zap.String("actor_id", opts.actorID),
					zap.String("role", opts.role),
					zap.Bool("added", added),
				)
				if added {
					fmt.Fprintf(cmd.OutOrStdout(), "granted %s to %s\n", opts.role, opts.actorID)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s already has %s\n", opts.actorID, opts.role)
				}
				return nil
			}, authorization.Module, fx.Populate(&authz, &credits))
		},
	}

	cmd.Flags().StringVar(&opts.actorID, "actor-id", "", "identity provider user id (required)")
	cmd.Flags().StringVar(&opts.email, "email", "", "email stored on the actor's balance account")
	cmd.Flags().StringVar(&opts.role, "role", authorization.RoleAdmin, "role to grant (admin or support)")
	_ = cmd.MarkFlagRequired("actor-id")

	return cmd
}

// claimAdmin makes sure the actor has a balance account and holds role.
// It reports whether the role was newly added.
func claimAdmin(ctx context.Context, authz authorization.Service, credits creditsdomain.Service, opts adminClaimOptions) (bool, error) {
	actorID := strings.TrimSpace(opts.actorID)
	if actorID == "" {
		return false, fmt.Errorf("--actor-id: %w", authorization.ErrInvalidActor)
	}

	if _, err := credits.EnsureAccount(ctx, actorID, strings.ToLower(strings.TrimSpace(opts.email))); err != nil {
		return false, fmt.Errorf("ensure account: %w", err)
	}

	added, err := authz.GrantRole(ctx, actorID, strings.TrimSpace(opts.role))
	if err != nil {
		return false, fmt.Errorf("grant role: %w", err)
	}
	return added, nil
}
