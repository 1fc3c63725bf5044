package topup

import (
	"github.com/smallbiznis/creditledger/internal/topup/adapters"
	"github.com/smallbiznis/creditledger/internal/topup/adapters/stripe"
	"github.com/smallbiznis/creditledger/internal/topup/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credit.topup",
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			stripe.NewFactory(),
		)
	}),
	fx.Provide(service.NewService),
)
