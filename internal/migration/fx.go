package migration

import (
	"github.com/quillora/quillbill/internal/config"
	"github.com/quillora/quillbill/internal/seed"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		} else if err := autoMigrate(conn); err != nil {
			return err
		}

		return seed.EnsureDefaultTiers(conn)
	}),
)
