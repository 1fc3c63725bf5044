package metering

import (
	"github.com/smallbiznis/creditledger/internal/metering/repository"
	"github.com/smallbiznis/creditledger/internal/metering/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credit.metering",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
