package wallet

import (
	"github.com/phochat/payments/internal/wallet/repository"
	"github.com/phochat/payments/internal/wallet/service"
	"go.uber.org/fx"
)

var Module = fx.Module("wallet.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
