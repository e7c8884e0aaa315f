package main

import (
	"github.com/bwmarrin/snowflake"
	activityrepository "github.com/smallbiznis/movepoint/internal/activity/repository"
	"github.com/smallbiznis/movepoint/internal/circuitbreaker"
	"github.com/smallbiznis/movepoint/internal/clock"
	"github.com/smallbiznis/movepoint/internal/config"
	"github.com/smallbiznis/movepoint/internal/notification"
	"github.com/smallbiznis/movepoint/internal/oauth"
	"github.com/smallbiznis/movepoint/internal/observability"
	"github.com/smallbiznis/movepoint/internal/queue"
	"github.com/smallbiznis/movepoint/internal/ratelimit"
	"github.com/smallbiznis/movepoint/internal/redisclient"
	"github.com/smallbiznis/movepoint/internal/reward"
	"github.com/smallbiznis/movepoint/internal/scheduler"
	"github.com/smallbiznis/movepoint/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Supply(observability.ServiceRole("scheduler")),
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		redisclient.Module,

		// Services the jobs drive
		queue.Module,
		ratelimit.LockerModule,
		circuitbreaker.Module,
		notification.Module,
		oauth.Module,
		reward.Module,
		fx.Provide(activityrepository.Provide),

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(3)
	if err != nil {
		panic(err)
	}
	return node
}
