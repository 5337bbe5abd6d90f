package gateway

import (
	"github.com/hashicorp/go-retryablehttp"
	"github.com/phochat/payments/internal/clock"
	"github.com/phochat/payments/internal/config"
	"github.com/phochat/payments/internal/gateway/adapters"
	"github.com/phochat/payments/internal/gateway/adapters/polar"
	"github.com/phochat/payments/internal/gateway/adapters/sepay"
	"github.com/phochat/payments/pkg/httpclient"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("gateway",
	fx.Provide(httpclient.New),
	fx.Provide(func(cfg config.Config, httpc *retryablehttp.Client, clk clock.Clock, log *zap.Logger) (*adapters.Registry, error) {
		sepayClient, err := sepay.New(cfg.Sepay, httpc, clk, log)
		if err != nil {
			return nil, err
		}
		polarClient, err := polar.New(cfg.Polar, httpc, clk, log)
		if err != nil {
			return nil, err
		}
		return adapters.NewRegistry(sepayClient, polarClient), nil
	}),
)
