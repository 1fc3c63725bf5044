package ledger

import (
	"github.com/smallbiznis/creditledger/internal/ledger/repository"
	"github.com/smallbiznis/creditledger/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credit.ledger",
	fx.Provide(repository.Provide, repository.ProvideGuard),
	fx.Provide(service.NewService, service.NewProvisioner),
)
