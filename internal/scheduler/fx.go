package scheduler

import (
	"context"

	"github.com/wasteworks/binsight/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
)

// StartEngine runs the engine loop inside the calling process. In cloud
// mode the loop lives in the worker deployment instead, so API processes
// skip it; the worker binary starts the loop itself.
func StartEngine(lc fx.Lifecycle, cfg config.Config, sched *Scheduler) {
	if cfg.IsCloud() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go sched.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
