package database

import (
	"errors"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lectern-app/lectern/backend/internal/annotations"
	"github.com/lectern-app/lectern/backend/internal/documents"
	"github.com/lectern-app/lectern/backend/internal/search"
)

const (
	migrationNormalizeDocumentPaths = "2026-07-02_normalize_document_paths"
	migrationDropOrphanedNotes      = "2026-07-02_drop_orphaned_margin_notes"
	migrationCreateSearchIndex      = "2026-08-23_create_documents_fts"
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
		{name: migrationNormalizeDocumentPaths, apply: normalizeDocumentPaths},
		{name: migrationDropOrphanedNotes, apply: dropOrphanedMarginNotes},
		{name: migrationCreateSearchIndex, apply: search.EnsureIndex},
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

// normalizeDocumentPaths rewrites stored file paths through filepath.Clean.
// Self-save suppression matches on normalized paths, so rows written by
// earlier versions with redundant separators must be cleaned once.
func normalizeDocumentPaths(db *gorm.DB) error {
	var docs []documents.Document
	if err := db.Where("file_path IS NOT NULL").Find(&docs).Error; err != nil {
		return err
	}
	for _, doc := range docs {
		cleaned := filepath.Clean(*doc.FilePath)
		if cleaned == *doc.FilePath {
			continue
		}
		if err := db.Model(&documents.Document{}).
			Where("id = ?", doc.ID).
			Update("file_path", cleaned).Error; err != nil {
			return err
		}
	}
	return nil
}

// dropOrphanedMarginNotes removes notes whose highlight no longer exists.
func dropOrphanedMarginNotes(db *gorm.DB) error {
	return db.
		Where("highlight_id NOT IN (?)", db.Model(&annotations.Highlight{}).Select("id")).
		Delete(&annotations.MarginNote{}).Error
}
