package main

import (
	"context"
	"fmt"

	"github.com/smallbiznis/movepoint/internal/config"
	oauthdomain "github.com/smallbiznis/movepoint/internal/oauth/domain"
	oauthrepository "github.com/smallbiznis/movepoint/internal/oauth/repository"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func disconnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "disconnect",
		Short: "Remove a user's platform connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user")
			if userID == "" {
				return fmt.Errorf("--user is required")
			}
			provider, _ := cmd.Flags().GetString("provider")

			var (
				cfg  config.Config
				gdb  *gorm.DB
				repo oauthdomain.Repository
			)
			return runApp(cmd, func(ctx context.Context) error {
				if provider == "" {
					provider = cfg.OAuth.Provider
				}
				conn, err := repo.FindByUserID(ctx, gdb, userID, provider)
				if err != nil {
					return fmt.Errorf("find connection: %w", err)
				}
				if conn == nil {
					return fmt.Errorf("user %s on %s: %w", userID, provider, oauthdomain.ErrNotFound)
				}
				if err := repo.Delete(ctx, gdb, conn.ID); err != nil {
					return fmt.Errorf("delete connection: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "disconnected user=%s provider=%s athlete=%s\n",
					conn.UserID, conn.Provider, conn.ExternalAthleteID)
				return nil
			},
				fx.Provide(oauthrepository.Provide),
				fx.Populate(&cfg, &gdb, &repo),
			)
		},
	}
	cmd.Flags().String("user", "", "Local user id")
	cmd.Flags().String("provider", "", "Platform (defaults to OAUTH_PROVIDER)")
	return cmd
}
