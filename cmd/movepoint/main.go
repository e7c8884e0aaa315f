package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/movepoint/internal/activity"
	"github.com/smallbiznis/movepoint/internal/circuitbreaker"
	"github.com/smallbiznis/movepoint/internal/clock"
	"github.com/smallbiznis/movepoint/internal/config"
	"github.com/smallbiznis/movepoint/internal/migration"
	"github.com/smallbiznis/movepoint/internal/notification"
	"github.com/smallbiznis/movepoint/internal/oauth"
	"github.com/smallbiznis/movepoint/internal/observability"
	"github.com/smallbiznis/movepoint/internal/queue"
	"github.com/smallbiznis/movepoint/internal/ratelimit"
	"github.com/smallbiznis/movepoint/internal/redisclient"
	"github.com/smallbiznis/movepoint/internal/reward"
	"github.com/smallbiznis/movepoint/internal/scheduler"
	"github.com/smallbiznis/movepoint/internal/scoring"
	"github.com/smallbiznis/movepoint/internal/server"
	"github.com/smallbiznis/movepoint/internal/webhook"
	"github.com/smallbiznis/movepoint/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		redisclient.Module,

		// Shared plumbing
		queue.Module,
		ratelimit.Module,
		ratelimit.LockerModule,
		circuitbreaker.Module,
		notification.Module,

		// Functional Domains
		webhook.Module,
		oauth.Module,
		scoring.Module,
		reward.Module,
		activity.Module,
		activity.ConsumersModule,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
