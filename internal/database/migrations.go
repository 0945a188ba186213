package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationLowercaseCollaboratorIDs = "2026-10-01_lowercase_collaborator_ids"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationLowercaseCollaboratorIDs, apply: lowercaseCollaboratorIDs},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// lowercaseCollaboratorIDs folds collaborator ids to the lowercase form the
// access gate matches against. Rows that collide with an existing lowercase
// grant are dropped; the surviving grant keeps its role.
func lowercaseCollaboratorIDs(db *gorm.DB) error {
	if err := db.Exec("UPDATE OR IGNORE note_collaborators SET user_id = lower(user_id) WHERE user_id <> lower(user_id)").Error; err != nil {
		return err
	}
	return db.Exec("DELETE FROM note_collaborators WHERE user_id <> lower(user_id)").Error
}
