package migration

import (
	"strings"

	"github.com/smallbiznis/creditledger/internal/config"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	"github.com/smallbiznis/creditledger/internal/tracker"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if strings.EqualFold(cfg.DBType, "postgres") {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}

		// Non-postgres dialects (sqlite, mysql) derive the schema from the
		// models directly.
		return conn.AutoMigrate(
			&creditdomain.CreditAccount{},
			&creditdomain.CreditTransaction{},
			&tracker.ProcessedMessage{},
		)
	}),
)
