package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/phochat/payments/internal/cache"
	"github.com/phochat/payments/internal/clock"
	"github.com/phochat/payments/internal/config"
	"github.com/phochat/payments/internal/gateway"
	"github.com/phochat/payments/internal/migration"
	"github.com/phochat/payments/internal/observability"
	"github.com/phochat/payments/internal/order"
	"github.com/phochat/payments/internal/paymentmetrics"
	"github.com/phochat/payments/internal/reconcile"
	"github.com/phochat/payments/internal/scheduler"
	"github.com/phochat/payments/internal/server"
	"github.com/phochat/payments/internal/subscription"
	"github.com/phochat/payments/internal/wallet"
	"github.com/phochat/payments/internal/webhooklog"
	"github.com/phochat/payments/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		cache.Module,
		migration.Module,

		// Payment domains
		gateway.Module,
		webhooklog.Module,
		order.Module,
		subscription.Module,
		wallet.Module,
		paymentmetrics.Module,
		reconcile.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
