package migration

import (
	"github.com/smallbiznis/applykit/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(Run),
)

func Run(conn *gorm.DB, cfg db.Config, log *zap.Logger) error {
	if !cfg.IsPostgres() {
		log.Info("running gorm auto migration", zap.String("type", cfg.Type))
		return AutoMigrate(conn)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return RunMigrations(sqlDB)
}
