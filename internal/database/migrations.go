package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/docmirror/internal/documents"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationDefaultDocumentStatus   = "2026-09-14_default_document_status"
	migrationBackfillDocumentUpdated = "2026-09-14_backfill_document_updated_at"
)

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
		{name: migrationDefaultDocumentStatus, apply: defaultDocumentStatus},
		{name: migrationBackfillDocumentUpdated, apply: backfillDocumentUpdatedAt},
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

// defaultDocumentStatus assigns the draft status to rows imported without one.
func defaultDocumentStatus(db *gorm.DB) error {
	return db.Model(&documents.Document{}).
		Where("status = '' OR status IS NULL").
		Update("status", documents.DefaultStatus).Error
}

func backfillDocumentUpdatedAt(db *gorm.DB) error {
	return db.Model(&documents.Document{}).
		Where("updated_at IS NULL OR updated_at < created_at").
		Update("updated_at", gorm.Expr("created_at")).Error
}
