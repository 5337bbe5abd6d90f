package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/phochat/payments/internal/clock"
	"github.com/phochat/payments/internal/config"
	"github.com/phochat/payments/internal/gateway/adapters"
	"github.com/phochat/payments/internal/observability"
	obslogger "github.com/phochat/payments/internal/observability/logger"
	obsmetrics "github.com/phochat/payments/internal/observability/metrics"
	obstracing "github.com/phochat/payments/internal/observability/tracing"
	orderdomain "github.com/phochat/payments/internal/order/domain"
	"github.com/phochat/payments/internal/paymentmetrics"
	reconciledomain "github.com/phochat/payments/internal/reconcile/domain"
	walletdomain "github.com/phochat/payments/internal/wallet/domain"
	weblogdomain "github.com/phochat/payments/internal/webhooklog/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clk        clock.Clock
	holder     *config.ReconcileConfigHolder
	registry   *adapters.Registry
	orderSvc   orderdomain.Service
	walletSvc  walletdomain.Service
	weblogSvc  weblogdomain.Service
	reconciler reconciledomain.Service
	ingest     reconciledomain.Ingestor
	collector  *paymentmetrics.Collector
	redis      *redis.Client
	obsMetrics *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Holder     *config.ReconcileConfigHolder
	Registry   *adapters.Registry
	OrderSvc   orderdomain.Service
	WalletSvc  walletdomain.Service
	WeblogSvc  weblogdomain.Service
	Reconciler reconciledomain.Service
	Ingest     reconciledomain.Ingestor
	Collector  *paymentmetrics.Collector
	Redis      *redis.Client       `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		db:         p.DB,
		log:        p.Log.Named("server"),
		genID:      p.GenID,
		clk:        p.Clock,
		holder:     p.Holder,
		registry:   p.Registry,
		orderSvc:   p.OrderSvc,
		walletSvc:  p.WalletSvc,
		weblogSvc:  p.WeblogSvc,
		reconciler: p.Reconciler,
		ingest:     p.Ingest,
		collector:  p.Collector,
		redis:      p.Redis,
		obsMetrics: p.ObsMetrics,
	}

	svc.registerPaymentRoutes()
	svc.registerInternalRoutes()
	svc.registerHealthRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerPaymentRoutes() {
	api := s.engine.Group("/api")

	api.POST("/payment/:provider/webhook", s.HandlePaymentWebhook)
	api.GET("/payment/status", s.HandlePaymentStatus)
	api.POST("/checkout", s.HandleCreateCheckout)
}

func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/api/internal")
	internal.Use(s.InternalAuthRequired())

	internal.GET("/wallet/status", s.HandleWalletStatus)
	internal.POST("/payments/verify", s.HandleManualVerify)
	internal.GET("/payments/:order_id/deliveries", s.HandleOrderDeliveries)
}

func (s *Server) registerHealthRoutes() {
	s.engine.GET("/health", s.HandleHealth)
	s.engine.GET("/health/payments", s.HandlePaymentHealth)
}
