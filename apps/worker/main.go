package main

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/wasteworks/binsight/internal/activity"
	"github.com/wasteworks/binsight/internal/audit"
	"github.com/wasteworks/binsight/internal/clock"
	"github.com/wasteworks/binsight/internal/cloudmetrics"
	"github.com/wasteworks/binsight/internal/config"
	"github.com/wasteworks/binsight/internal/observability"
	"github.com/wasteworks/binsight/internal/ratelimit"
	"github.com/wasteworks/binsight/internal/scheduler"
	"github.com/wasteworks/binsight/internal/subscription"
	"github.com/wasteworks/binsight/internal/transaction"
	"github.com/wasteworks/binsight/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		cloudmetrics.Module,

		// Domain services required by the engine
		scheduler.Module,
		audit.Module,
		transaction.Module,
		subscription.Module,
		activity.Module,
		ratelimit.Module,

		// No server module!
		fx.Invoke(cloudmetrics.RegisterInstrumentation),
		fx.Invoke(StartScheduler),
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

// StartScheduler always runs the loop. The worker exists to run the
// engine, so unlike the API binaries there is no cloud-mode gate.
func StartScheduler(lc fx.Lifecycle, s *scheduler.Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
