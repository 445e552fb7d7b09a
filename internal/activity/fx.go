package activity

import (
	"go.uber.org/fx"

	"github.com/wasteworks/binsight/internal/activity/repository"
	"github.com/wasteworks/binsight/internal/activity/service"
)

var Module = fx.Module("activity.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
