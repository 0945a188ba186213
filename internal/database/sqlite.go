package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/quire/internal/access"
	"github.com/MarcoPoloResearchLab/quire/internal/mentions"
	"github.com/MarcoPoloResearchLab/quire/internal/notes"
	"github.com/MarcoPoloResearchLab/quire/internal/presence"
	"github.com/MarcoPoloResearchLab/quire/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Migrate creates the schema, applies named migrations and clears presence
// left online by a previous process.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(
		&notes.Document{},
		&notes.HistoryRecord{},
		&presence.Record{},
		&mentions.Mention{},
		&access.Collaborator{},
		&access.TeamMember{},
		&users.Identity{},
		&migrationRecord{},
	); err != nil {
		return err
	}

	if err := applyMigrations(db, logger); err != nil {
		return err
	}

	// No connection survives a restart.
	if err := resetPresence(db); err != nil && logger != nil {
		logger.Warn("presence reset failed", zap.Error(err))
	}
	return nil
}

func resetPresence(db *gorm.DB) error {
	return db.Model(&presence.Record{}).
		Where("status = ?", presence.StatusOnline).
		Update("status", presence.StatusOffline).Error
}
