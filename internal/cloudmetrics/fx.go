package cloudmetrics

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/wasteworks/binsight/internal/config"
)

const gaugeRefreshInterval = 5 * time.Minute

var Module = fx.Module("cloud.metrics",
	fx.Provide(func() *prometheus.Registry {
		return prometheus.NewRegistry()
	}),
	fx.Invoke(Register),
	fx.Invoke(runGaugeRefresh),
)

// runGaugeRefresh keeps the installation gauges current; the exporter pushes
// them on its own interval.
func runGaugeRefresh(lc fx.Lifecycle, cfg config.Config, db *gorm.DB) {
	if !shouldEnable(cfg) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				ticker := time.NewTicker(gaugeRefreshInterval)
				defer ticker.Stop()

				refreshGauges(ctx, db)
				for {
					select {
					case <-ticker.C:
						refreshGauges(ctx, db)
					case <-ctx.Done():
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func refreshGauges(ctx context.Context, db *gorm.DB) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	SetMemoryBytes(m.Sys)

	if db == nil {
		return
	}
	var count int64
	if err := db.WithContext(ctx).Table("organizations").Count(&count).Error; err != nil {
		return
	}
	SetOrganizationsTotal(count)
}
