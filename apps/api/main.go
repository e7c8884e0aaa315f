package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/movepoint/internal/circuitbreaker"
	"github.com/smallbiznis/movepoint/internal/clock"
	"github.com/smallbiznis/movepoint/internal/config"
	"github.com/smallbiznis/movepoint/internal/observability"
	"github.com/smallbiznis/movepoint/internal/queue"
	"github.com/smallbiznis/movepoint/internal/ratelimit"
	"github.com/smallbiznis/movepoint/internal/redisclient"
	"github.com/smallbiznis/movepoint/internal/server"
	"github.com/smallbiznis/movepoint/internal/webhook"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Supply(observability.ServiceRole("api")),
		fx.Provide(RegisterSnowflake),
		clock.Module,
		redisclient.Module,

		// Webhook edge: verify, throttle, enqueue. No database.
		queue.Module,
		ratelimit.Module,
		circuitbreaker.Module,
		webhook.Module,

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
