// Package db opens and migrates the Refinery database.
package db

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/averdin/refinery/internal/config"
	"github.com/averdin/refinery/internal/models"
)

// DSN builds a MySQL DSN from the database config.
func DSN(cfg config.DatabaseConfig) string {
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?parseTime=true", cfg.User, cfg.Host, cfg.Port, cfg.Database)
}

// Connect opens a GORM connection to the configured MySQL server. Each
// service process owns exactly one session.
func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(DSN(cfg)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Database, err)
	}
	return db, nil
}

// AutoMigrate creates or updates all Refinery tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Repository{},
		&models.GitUser{},
		&models.User{},
		&models.Commit{},
		&models.CommitEdge{},
		&models.Branch{},
		&models.Tag{},
		&models.Review{},
		&models.BranchUpdate{},
		&models.ReviewUpdate{},
		&models.TrackedBranch{},
		&models.TrackedBranchLog{},
		&models.PendingRefUpdate{},
		&models.PendingRefUpdateOutput{},
		&models.Changeset{},
		&models.ChangesetFile{},
		&models.CodeContext{},
	); err != nil {
		return fmt.Errorf("db: migrate: %w", err)
	}
	return nil
}
