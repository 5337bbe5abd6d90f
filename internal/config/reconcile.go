package config

import (
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ReconcileConfig holds the operator-tunable reconciliation policy: amount
// tolerances per provider, polling cadence, and the health thresholds the
// metrics collector evaluates. Loaded from reconcile.yml and hot-reloaded.
type ReconcileConfig struct {
	// Accepted deviation between observed and expected amounts, in minor
	// units, keyed by provider. Providers without an entry require an exact
	// match.
	AmountTolerance map[string]int64 `mapstructure:"amountTolerance"`

	// How long to wait for a webhook before the poller starts querying the
	// gateway directly.
	WebhookWindow time.Duration `mapstructure:"webhookWindow"`

	// Pending orders older than this are marked expired.
	OrderTTL time.Duration `mapstructure:"orderTTL"`

	PollInterval  time.Duration `mapstructure:"pollInterval"`
	PollBatchSize int           `mapstructure:"pollBatchSize"`

	// Bounded retries around the atomic confirm step.
	ConfirmMaxRetries  uint          `mapstructure:"confirmMaxRetries"`
	ConfirmBackoffBase time.Duration `mapstructure:"confirmBackoffBase"`

	Health HealthThresholds `mapstructure:"health"`
}

// HealthThresholds drive the advisory warnings/alerts of the payment
// metrics collector.
type HealthThresholds struct {
	SuccessRateWarn  float64       `mapstructure:"successRateWarn"`
	SuccessRateAlert float64       `mapstructure:"successRateAlert"`
	LatencyWarn      time.Duration `mapstructure:"latencyWarn"`
	LatencyAlert     time.Duration `mapstructure:"latencyAlert"`
	ErrorRateWarn    float64       `mapstructure:"errorRateWarn"`
	ErrorRateAlert   float64       `mapstructure:"errorRateAlert"`
}

func DefaultReconcileConfig() ReconcileConfig {
	return ReconcileConfig{
		AmountTolerance: map[string]int64{
			"sepay": 1000, // bank references may append transfer fees
		},
		WebhookWindow:      2 * time.Minute,
		OrderTTL:           24 * time.Hour,
		PollInterval:       time.Minute,
		PollBatchSize:      50,
		ConfirmMaxRetries:  3,
		ConfirmBackoffBase: 200 * time.Millisecond,
		Health: HealthThresholds{
			SuccessRateWarn:  95,
			SuccessRateAlert: 90,
			LatencyWarn:      30 * time.Second,
			LatencyAlert:     45 * time.Second,
			ErrorRateWarn:    1,
			ErrorRateAlert:   2,
		},
	}
}

// Tolerance returns the accepted amount deviation for a provider.
func (c ReconcileConfig) Tolerance(provider string) int64 {
	if c.AmountTolerance == nil {
		return 0
	}
	return c.AmountTolerance[strings.ToLower(strings.TrimSpace(provider))]
}

// ReconcileConfigHolder exposes the current policy and swaps it atomically
// when the underlying file changes.
type ReconcileConfigHolder struct {
	current atomic.Value // holds ReconcileConfig
}

func NewReconcileConfigHolder() (*ReconcileConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("reconcile")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/phopay/config")
	v.AddConfigPath("/etc/phopay")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PHOPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &ReconcileConfigHolder{}

	load := func() ReconcileConfig {
		cfg := DefaultReconcileConfig()
		if err := v.UnmarshalKey("reconcile", &cfg); err != nil {
			log.Printf("reconcile config unmarshal failed, keeping defaults: %v", err)
			return DefaultReconcileConfig()
		}
		return cfg.withDefaults()
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		holder.current.Store(DefaultReconcileConfig())
		return holder, nil
	}

	holder.current.Store(load())

	v.OnConfigChange(func(in fsnotify.Event) {
		holder.current.Store(load())
		log.Printf("reconcile config reloaded from %s", in.Name)
	})
	v.WatchConfig()

	return holder, nil
}

// Current returns the active policy snapshot.
func (h *ReconcileConfigHolder) Current() ReconcileConfig {
	if h == nil {
		return DefaultReconcileConfig()
	}
	if cfg, ok := h.current.Load().(ReconcileConfig); ok {
		return cfg
	}
	return DefaultReconcileConfig()
}

// Store replaces the active policy. Used by tests.
func (h *ReconcileConfigHolder) Store(cfg ReconcileConfig) {
	h.current.Store(cfg.withDefaults())
}

func (c ReconcileConfig) withDefaults() ReconcileConfig {
	defaults := DefaultReconcileConfig()
	if c.WebhookWindow <= 0 {
		c.WebhookWindow = defaults.WebhookWindow
	}
	if c.OrderTTL <= 0 {
		c.OrderTTL = defaults.OrderTTL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.PollBatchSize <= 0 {
		c.PollBatchSize = defaults.PollBatchSize
	}
	if c.ConfirmMaxRetries == 0 {
		c.ConfirmMaxRetries = defaults.ConfirmMaxRetries
	}
	if c.ConfirmBackoffBase <= 0 {
		c.ConfirmBackoffBase = defaults.ConfirmBackoffBase
	}
	if c.Health.SuccessRateWarn <= 0 {
		c.Health.SuccessRateWarn = defaults.Health.SuccessRateWarn
	}
	if c.Health.SuccessRateAlert <= 0 {
		c.Health.SuccessRateAlert = defaults.Health.SuccessRateAlert
	}
	if c.Health.LatencyWarn <= 0 {
		c.Health.LatencyWarn = defaults.Health.LatencyWarn
	}
	if c.Health.LatencyAlert <= 0 {
		c.Health.LatencyAlert = defaults.Health.LatencyAlert
	}
	if c.Health.ErrorRateWarn <= 0 {
		c.Health.ErrorRateWarn = defaults.Health.ErrorRateWarn
	}
	if c.Health.ErrorRateAlert <= 0 {
		c.Health.ErrorRateAlert = defaults.Health.ErrorRateAlert
	}
	return c
}
