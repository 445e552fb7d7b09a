package apikey

import (
	"github.com/wasteworks/binsight/internal/apikey/repository"
	"github.com/wasteworks/binsight/internal/apikey/service"
	"go.uber.org/fx"
)

var Module = fx.Module("apikey.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
