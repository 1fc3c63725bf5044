package migration

import (
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		log = log.Named("migration")
		if cfg.DB().Type == db.TypePostgres && !cfg.DBAutoMigrate {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			log.Info("applying embedded migrations")
			return RunMigrations(sqlDB)
		}
		log.Info("auto migrating schema", zap.String("dialect", conn.Dialector.Name()))
		return AutoMigrate(conn)
	}),
)
