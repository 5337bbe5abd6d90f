package reconcile

import (
	"github.com/phochat/payments/internal/reconcile/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reconcile",
	fx.Provide(service.NewService),
	fx.Provide(service.NewIngestor),
)
