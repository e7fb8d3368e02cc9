package documents

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errDocumentNotFound  = errors.New("document not found")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "documents.service.new"
	opUpsert     = "documents.upsert"
	opRecent     = "documents.recent"
	opRename     = "documents.rename_file"
	opTouch      = "documents.touch"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for new rows.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig carries the dependencies for a documents Service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service owns durable document records.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Upsert inserts the document or, when a row with the same origin identity
// already exists, refreshes its metadata and returns the stored row. The
// caller's ID is ignored when an existing row matches.
func (s *Service) Upsert(ctx context.Context, doc Document) (Document, error) {
	if doc.FilePath != nil {
		cleaned := filepath.Clean(*doc.FilePath)
		doc.FilePath = &cleaned
	}
	if err := doc.Validate(); err != nil {
		s.logError(opUpsert, "invalid_document", err)
		return Document{}, newServiceError(opUpsert, "invalid_document", err)
	}

	nowMillis := s.clock().UTC().UnixMilli()

	var stored Document
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Document
		query := tx.Model(&Document{})
		if doc.FilePath != nil {
			query = query.Where("file_path = ?", *doc.FilePath)
		} else {
			query = query.Where("keep_local_id = ?", *doc.KeepLocalID)
		}
		err := query.Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if strings.TrimSpace(doc.ID) == "" {
				id, idErr := s.idProvider.NewID()
				if idErr != nil {
					return newServiceError(opUpsert, "id_generation_failed", idErr)
				}
				doc.ID = id
			}
			doc.CreatedAt = nowMillis
			doc.LastOpenedAt = nowMillis
			if createErr := tx.Create(&doc).Error; createErr != nil {
				return newServiceError(opUpsert, "insert_failed", createErr)
			}
			stored = doc
			return nil
		}
		if err != nil {
			return newServiceError(opUpsert, "select_failed", err)
		}

		existing.Title = doc.Title
		existing.Author = doc.Author
		existing.URL = doc.URL
		if doc.WordCount > 0 {
			existing.WordCount = doc.WordCount
		}
		existing.LastOpenedAt = nowMillis
		if saveErr := tx.Save(&existing).Error; saveErr != nil {
			return newServiceError(opUpsert, "update_failed", saveErr)
		}
		stored = existing
		return nil
	})
	if txErr != nil {
		s.logError(opUpsert, "transaction_failed", txErr)
		return Document{}, txErr
	}

	return stored, nil
}

// Recent returns documents ordered by most recent open, capped at limit.
// A non-positive limit returns all documents.
func (s *Service) Recent(ctx context.Context, limit int) ([]Document, error) {
	query := s.db.WithContext(ctx).Order("last_opened_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var docs []Document
	if err := query.Find(&docs).Error; err != nil {
		s.logError(opRecent, "query_failed", err)
		return nil, newServiceError(opRecent, "query_failed", err)
	}
	return docs, nil
}

// Get fetches one document by identifier.
func (s *Service) Get(ctx context.Context, id DocumentID) (Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).Where("id = ?", id.String()).Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, newServiceError(opRecent, "not_found", errDocumentNotFound)
	}
	if err != nil {
		return Document{}, newServiceError(opRecent, "query_failed", err)
	}
	return doc, nil
}

// RenameFile moves a tracked file document to a new path.
func (s *Service) RenameFile(ctx context.Context, oldPath, newPath string) error {
	oldPath = filepath.Clean(oldPath)
	newPath = filepath.Clean(newPath)

	result := s.db.WithContext(ctx).Model(&Document{}).
		Where("file_path = ?", oldPath).
		Update("file_path", newPath)
	if result.Error != nil {
		s.logError(opRename, "update_failed", result.Error, zap.String("old_path", oldPath))
		return newServiceError(opRename, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opRename, "not_found", errDocumentNotFound)
	}
	return nil
}

// Touch bumps last_opened_at for the document.
func (s *Service) Touch(ctx context.Context, id DocumentID) error {
	nowMillis := s.clock().UTC().UnixMilli()
	if err := s.db.WithContext(ctx).Model(&Document{}).
		Where("id = ?", id.String()).
		Update("last_opened_at", nowMillis).Error; err != nil {
		s.logError(opTouch, "update_failed", err, zap.String("document_id", id.String()))
		return newServiceError(opTouch, "update_failed", err)
	}
	return nil
}

// CountWords reports the whitespace-delimited word count of content.
func CountWords(content string) int64 {
	return int64(len(strings.Fields(content)))
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("documents service error", attrs...)
}
