package allocation

import (
	"github.com/smallbiznis/creditledger/internal/allocation/repository"
	"github.com/smallbiznis/creditledger/internal/allocation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credit.allocation",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
