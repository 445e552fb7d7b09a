package audit

import (
	"go.uber.org/fx"

	"github.com/wasteworks/binsight/internal/audit/extraction"
	"github.com/wasteworks/binsight/internal/audit/repository"
	"github.com/wasteworks/binsight/internal/audit/service"
	"github.com/wasteworks/binsight/internal/audit/synthesis"
	"github.com/wasteworks/binsight/internal/vision"
)

var Module = fx.Module("audit.service",
	vision.Module,
	fx.Provide(repository.Provide),
	fx.Provide(extraction.NewEngine),
	fx.Provide(synthesis.NewSynthesizer),
	fx.Provide(service.New),
)
