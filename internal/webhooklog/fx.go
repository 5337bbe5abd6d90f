package webhooklog

import (
	"github.com/phochat/payments/internal/webhooklog/repository"
	"github.com/phochat/payments/internal/webhooklog/service"
	"go.uber.org/fx"
)

var Module = fx.Module("webhooklog.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
