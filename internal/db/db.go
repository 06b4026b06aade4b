package db

import (
	"fmt"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/suPer8Hu/pet-assistant/internal/chat"
	"github.com/suPer8Hu/pet-assistant/internal/credits"
	"github.com/suPer8Hu/pet-assistant/internal/ingest"
	"github.com/suPer8Hu/pet-assistant/internal/usage"
)

// Connect opens the relational store. driver is "mysql" or "sqlite".
func Connect(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "", "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = gormsqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER=%q", driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		// unique violations surface as gorm.ErrDuplicatedKey
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
	return gdb, nil
}

// Migrate creates or updates every table. On MySQL the credit ledger uses a
// binary collation so payment references compare case-sensitively.
func Migrate(gdb *gorm.DB) error {
	models := append(usage.Models(), chat.Models()...)
	models = append(models, &ingest.Job{})
	if err := gdb.AutoMigrate(models...); err != nil {
		return err
	}

	creditDB := gdb
	if gdb.Dialector.Name() == "mysql" {
		creditDB = gdb.Set("gorm:table_options", "ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin")
	}
	return creditDB.AutoMigrate(&credits.Transaction{})
}
