package database

import (
	"fmt"
	"strings"

	"github.com/chxlky/orba/internal/config"
	"github.com/chxlky/orba/internal/models"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func Init(cfg config.DatabaseConfig) *gorm.DB {
	db, err := Open(cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialise database", zap.Error(err))
	}

	zap.L().Info("Database initialised and migrated successfully", zap.String("driver", cfg.Driver))

	return db
}

// Open connects using the configured driver and migrates every model.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		dialector = sqlite.Open(sqliteDSN(cfg.Path))
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := db.AutoMigrate(models.All()...); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return db, nil
}

// sqliteOptions are appended to every sqlite DSN unless already present.
// Foreign keys enable the cascade constraints. Immediate transactions take the
// write lock at BEGIN, so concurrent writers wait out the busy timeout instead
// of failing when a read lock cannot be upgraded.
var sqliteOptions = []string{"_foreign_keys=on", "_txlock=immediate", "_busy_timeout=5000"}

func sqliteDSN(path string) string {
	for _, opt := range sqliteOptions {
		key, _, _ := strings.Cut(opt, "=")
		if strings.Contains(path, key+"=") {
			continue
		}
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		path += sep + opt
	}
	return path
}
