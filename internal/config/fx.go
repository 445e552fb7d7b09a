package config

import "go.uber.org/fx"

// Module provides the environment config and the audit rule catalog holder.
var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewRuleCatalogHolder),
)
