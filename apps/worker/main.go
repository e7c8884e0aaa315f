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
	"github.com/smallbiznis/movepoint/internal/redisclient"
	"github.com/smallbiznis/movepoint/internal/reward"
	"github.com/smallbiznis/movepoint/internal/scoring"
	"github.com/smallbiznis/movepoint/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Supply(observability.ServiceRole("worker")),
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		redisclient.Module,

		queue.Module,
		circuitbreaker.Module,
		notification.Module,
		oauth.Module,
		scoring.Module,
		reward.Module,
		activity.Module,

		// Consumers for the events and scored queues. No HTTP server.
		activity.ConsumersModule,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
