package migration

import (
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/wasteworks/binsight/internal/config"
	"github.com/wasteworks/binsight/internal/seed"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}

		if err := RunMigrations(sqlDB); err != nil {
			return err
		}

		return seed.EnsureDefaults(conn, cfg.DefaultOrgID, cfg.Environment)
	}),
)
