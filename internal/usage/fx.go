package usage

import (
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/usage/domain"
	"github.com/smallbiznis/creditledger/internal/usage/repository"
	"github.com/smallbiznis/creditledger/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credit.usage",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(svc domain.Service) ledgerdomain.UsageReporter { return svc }),
)
