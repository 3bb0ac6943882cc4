package database

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"pieceflow-backend/internal/config"
	"pieceflow-backend/internal/logger"
	"pieceflow-backend/internal/models"
)

// Open connects to the configured driver and runs migrations.
func Open(cfg *config.Config, log *logger.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.DatabaseDriver) {
	case "", "postgres":
		dialector = postgres.Open(cfg.DatabaseDSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DatabaseDSN)
	default:
		return nil, fmt.Errorf("desteklenmeyen DATABASE_DRIVER: %q", cfg.DatabaseDriver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("veritabanına bağlanılamadı: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(cfg.DatabaseDriver, "sqlite") {
		// sqlite tek yazıcı; havuzu tek bağlantıya indir
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	log.Info("Veritabanı bağlantısı başarılı. Migration tamamlandı.", "driver", cfg.DatabaseDriver)
	return db, nil
}

// Migrate creates or updates every table the service owns.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		// Referans veri
		&models.Product{},
		&models.PiecePart{},
		&models.CycleFlowStep{},
		&models.ProductionLine{},
		// Parti ve rulolar
		&models.ProductionBatch{},
		&models.FabricRoll{},
		// Defter
		&models.QuantityRecord{},
		&models.StageProgress{},
		&models.StageProgressRoll{},
		&models.Movement{},
	)
	if err != nil {
		return fmt.Errorf("AutoMigrate hatası: %w", err)
	}
	return nil
}
