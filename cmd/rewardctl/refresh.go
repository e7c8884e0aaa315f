package main

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/movepoint/internal/circuitbreaker"
	"github.com/smallbiznis/movepoint/internal/clock"
	"github.com/smallbiznis/movepoint/internal/notification"
	"github.com/smallbiznis/movepoint/internal/oauth"
	oauthdomain "github.com/smallbiznis/movepoint/internal/oauth/domain"
	"github.com/smallbiznis/movepoint/internal/redisclient"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Run one OAuth token refresh pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			var refresher oauthdomain.Refresher
			return runApp(cmd, func(ctx context.Context) error {
				result, err := refresher.RunOnce(ctx)
				if err != nil {
					return fmt.Errorf("refresh: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d refreshed=%d skipped=%d invalidated=%d failed=%d\n",
					result.Scanned, result.Refreshed, result.Skipped, result.Invalidated, result.Failed)
				return nil
			},
				fx.Provide(func() (*snowflake.Node, error) { return snowflake.NewNode(9) }),
				clock.Module,
				redisclient.Module,
				circuitbreaker.Module,
				notification.Module,
				oauth.Module,
				fx.Populate(&refresher),
			)
		},
	}
}
