package database

import (
	"errors"
	"time"

	"github.com/buzzlylabs/buzzly/internal/chat"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationTrimConversationPreviews = "2026-07-18_trim_conversation_previews"

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
		{name: migrationTrimConversationPreviews, apply: trimConversationPreviews},
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
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// trimConversationPreviews re-truncates summary previews written before the
// preview length was capped at the store layer.
func trimConversationPreviews(db *gorm.DB) error {
	return db.Model(&chat.Conversation{}).
		Where("LENGTH(last_message_preview) > 70").
		Update("last_message_preview", gorm.Expr("substr(last_message_preview, 1, 70)")).Error
}
