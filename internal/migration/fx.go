package migration

import (
	"strings"

	"github.com/phochat/payments/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if !strings.EqualFold(cfg.DBType, "postgres") {
			// Embedded migrations target postgres; other dialects are
			// only used for local development and tests.
			log.Named("migration").Warn("skipping migrations for non-postgres database",
				zap.String("database_type", cfg.DBType),
			)
			return nil
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
