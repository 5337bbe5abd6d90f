package paymentmetrics

import "go.uber.org/fx"

var Module = fx.Module("paymentmetrics",
	fx.Provide(NewCollector),
)
