package organization

import (
	"go.uber.org/fx"

	"github.com/wasteworks/binsight/internal/organization/repository"
	"github.com/wasteworks/binsight/internal/organization/service"
)

var Module = fx.Module("organization.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
