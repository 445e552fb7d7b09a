package subscription

import (
	"github.com/wasteworks/binsight/internal/cache"
	"github.com/wasteworks/binsight/internal/subscription/repository"
	"github.com/wasteworks/binsight/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	cache.Module,
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
