package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// User is a local participant that may own an on-chain address.
type User struct {
	ID        uint   `gorm:"primaryKey"`
	Username  string `gorm:"size:64;uniqueIndex;not null"`
	Address   string `gorm:"size:42;index;not null"`
	IsBank    bool   `gorm:"not null;default:false"`
	CreatedAt time.Time
}

// Inventory records items a user announced for sale.
type Inventory struct {
	ID        uint   `gorm:"primaryKey"`
	SKU       string `gorm:"size:128;index;not null"`
	UserID    uint   `gorm:"index;not null"`
	CreatedAt time.Time
}

// Payable is an obligation owed by the holding user. At most one row exists
// per (payable id, user).
type Payable struct {
	ID        uint  `gorm:"primaryKey"`
	PayableID int64 `gorm:"not null;uniqueIndex:idx_payables_obligation"`
	UserID    uint  `gorm:"not null;uniqueIndex:idx_payables_obligation;index"`
	CreatedAt time.Time
}

// Receivable is an obligation owed to the holding user. At most one row
// exists per (receivable id, user).
type Receivable struct {
	ID           uint  `gorm:"primaryKey"`
	ReceivableID int64 `gorm:"not null;uniqueIndex:idx_receivables_obligation"`
	UserID       uint  `gorm:"not null;uniqueIndex:idx_receivables_obligation;index"`
	CreatedAt    time.Time
}

// AppliedEvent marks a receipt log whose effects were committed.
type AppliedEvent struct {
	TxHash    string `gorm:"size:66;primaryKey"`
	LogIndex  uint   `gorm:"primaryKey;autoIncrement:false"`
	Name      string `gorm:"size:64;not null"`
	AppliedAt time.Time
}

// Open connects to Postgres for postgres:// DSNs and to SQLite otherwise.
// SQLite pools are limited to a single connection so writers serialise.
func Open(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("database url required")
	}
	cfg := &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	}
	if isPostgres(trimmed) {
		db, err := gorm.Open(postgres.Open(trimmed), cfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return db, nil
	}
	db, err := gorm.Open(sqlite.Open(trimmed), cfg)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func isPostgres(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://")
}

// AutoMigrate creates or updates the schema required by the bridge.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&User{}, &Inventory{}, &Payable{}, &Receivable{}, &AppliedEvent{}); err != nil {
		return err
	}
	return db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS idx_users_address_lower ON users (LOWER(address))").Error
}
