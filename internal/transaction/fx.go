package transaction

import (
	"go.uber.org/fx"

	"github.com/wasteworks/binsight/internal/transaction/repository"
	"github.com/wasteworks/binsight/internal/transaction/service"
)

var Module = fx.Module("transaction.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
