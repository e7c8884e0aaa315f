package main

import (
	"context"
	"fmt"

	"github.com/smallbiznis/movepoint/internal/config"
	"github.com/smallbiznis/movepoint/internal/observability"
	"github.com/smallbiznis/movepoint/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

// storeModule provides the *gorm.DB the store-backed commands run against.
var storeModule = db.Module

// runApp builds a short-lived fx app from the shared config, telemetry and
// store modules plus opts, runs fn between Start and Stop, and tears it down.
func runApp(cmd *cobra.Command, fn func(ctx context.Context) error, opts ...fx.Option) error {
	app := fx.New(append([]fx.Option{
		fx.NopLogger,
		config.Module,
		observability.Module,
		fx.Supply(observability.ServiceRole("rewardctl")),
		storeModule,
	}, opts...)...)
	if err := app.Err(); err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer func() { _ = app.Stop(context.WithoutCancel(ctx)) }()

	return fn(ctx)
}
