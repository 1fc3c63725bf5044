package config

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("config",
	fx.Provide(
		Load,
		Config.DB,
		provideMeteringConfigHolder,
	),
)

func provideMeteringConfigHolder(cfg Config, log *zap.Logger) (*MeteringConfigHolder, error) {
	return NewMeteringConfigHolder(cfg.MeteringConfigPath, log)
}
