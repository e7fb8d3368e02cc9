package annotations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lectern-app/lectern/backend/internal/documents"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errHighlightNotFound = errors.New("highlight not found")
	errNoteNotFound      = errors.New("margin note not found")
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
	opServiceNew      = "annotations.service.new"
	opCreateHighlight = "annotations.create_highlight"
	opListHighlights  = "annotations.list_highlights"
	opSetColor        = "annotations.set_highlight_color"
	opDeleteHighlight = "annotations.delete_highlight"
	opRestore         = "annotations.restore_highlight"
	opDeleteAll       = "annotations.delete_all_for_document"
	opCreateNote      = "annotations.create_margin_note"
	opListNotes       = "annotations.list_margin_notes"
	opSetNoteContent  = "annotations.set_margin_note_content"
	opDeleteNote      = "annotations.delete_margin_note"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for new rows.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig carries the dependencies for an annotations Service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service owns highlight and margin-note records.
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

// HighlightInput describes a new highlight.
type HighlightInput struct {
	DocumentID    string
	Color         string
	TextContent   string
	FromPos       int64
	ToPos         int64
	PrefixContext *string
	SuffixContext *string
}

// DeletedHighlight bundles a removed highlight with its notes so the caller
// can restore the whole unit on undo.
type DeletedHighlight struct {
	Highlight Highlight    `json:"highlight"`
	Notes     []MarginNote `json:"notes"`
}

// CreateHighlight inserts a highlight and bumps the owning document.
func (s *Service) CreateHighlight(ctx context.Context, input HighlightInput) (Highlight, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateHighlight, "id_generation_failed", err)
		return Highlight{}, newServiceError(opCreateHighlight, "id_generation_failed", err)
	}

	nowMillis := s.clock().UTC().UnixMilli()
	highlight := Highlight{
		ID:            id,
		DocumentID:    input.DocumentID,
		Color:         input.Color,
		TextContent:   input.TextContent,
		FromPos:       input.FromPos,
		ToPos:         input.ToPos,
		PrefixContext: input.PrefixContext,
		SuffixContext: input.SuffixContext,
		CreatedAt:     nowMillis,
		UpdatedAt:     nowMillis,
	}
	if err := highlight.Validate(); err != nil {
		return Highlight{}, newServiceError(opCreateHighlight, "invalid_highlight", err)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&highlight).Error; err != nil {
			return newServiceError(opCreateHighlight, "insert_failed", err)
		}
		return s.touchDocument(tx, highlight.DocumentID, nowMillis)
	})
	if txErr != nil {
		s.logError(opCreateHighlight, "transaction_failed", txErr, zap.String("document_id", input.DocumentID))
		return Highlight{}, txErr
	}

	return highlight, nil
}

// ListHighlights returns a document's highlights ordered by position.
func (s *Service) ListHighlights(ctx context.Context, documentID string) ([]Highlight, error) {
	var highlights []Highlight
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("from_pos ASC").
		Find(&highlights).Error; err != nil {
		s.logError(opListHighlights, "query_failed", err, zap.String("document_id", documentID))
		return nil, newServiceError(opListHighlights, "query_failed", err)
	}
	return highlights, nil
}

// SetHighlightColor recolors a highlight.
func (s *Service) SetHighlightColor(ctx context.Context, highlightID, color string) error {
	if _, err := ParseColor(color); err != nil {
		return newServiceError(opSetColor, "invalid_color", err)
	}
	nowMillis := s.clock().UTC().UnixMilli()
	result := s.db.WithContext(ctx).Model(&Highlight{}).
		Where("id = ?", highlightID).
		Updates(map[string]any{"color": color, "updated_at": nowMillis})
	if result.Error != nil {
		s.logError(opSetColor, "update_failed", result.Error, zap.String("highlight_id", highlightID))
		return newServiceError(opSetColor, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opSetColor, "not_found", errHighlightNotFound)
	}
	return nil
}

// DeleteHighlight removes a highlight and its margin notes in one
// transaction, returning the removed bundle for possible restoration.
func (s *Service) DeleteHighlight(ctx context.Context, highlightID string) (DeletedHighlight, error) {
	var deleted DeletedHighlight
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ?", highlightID).Take(&deleted.Highlight).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opDeleteHighlight, "not_found", errHighlightNotFound)
		}
		if err != nil {
			return newServiceError(opDeleteHighlight, "select_failed", err)
		}
		if err := tx.Where("highlight_id = ?", highlightID).Find(&deleted.Notes).Error; err != nil {
			return newServiceError(opDeleteHighlight, "note_select_failed", err)
		}
		if err := tx.Where("highlight_id = ?", highlightID).Delete(&MarginNote{}).Error; err != nil {
			return newServiceError(opDeleteHighlight, "note_delete_failed", err)
		}
		if err := tx.Where("id = ?", highlightID).Delete(&Highlight{}).Error; err != nil {
			return newServiceError(opDeleteHighlight, "delete_failed", err)
		}
		return s.touchDocument(tx, deleted.Highlight.DocumentID, s.clock().UTC().UnixMilli())
	})
	if txErr != nil {
		s.logError(opDeleteHighlight, "transaction_failed", txErr, zap.String("highlight_id", highlightID))
		return DeletedHighlight{}, txErr
	}
	return deleted, nil
}

// RestoreHighlight reinserts a previously deleted highlight bundle.
func (s *Service) RestoreHighlight(ctx context.Context, bundle DeletedHighlight) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&bundle.Highlight).Error; err != nil {
			return newServiceError(opRestore, "insert_failed", err)
		}
		for i := range bundle.Notes {
			if err := tx.Create(&bundle.Notes[i]).Error; err != nil {
				return newServiceError(opRestore, "note_insert_failed", err)
			}
		}
		return nil
	})
	if txErr != nil {
		s.logError(opRestore, "transaction_failed", txErr, zap.String("highlight_id", bundle.Highlight.ID))
		return txErr
	}
	return nil
}

// DeleteAllForDocument removes every highlight (and, via the same
// transaction, every margin note) owned by a document.
func (s *Service) DeleteAllForDocument(ctx context.Context, documentID string) (int64, error) {
	var removed int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("highlight_id IN (?)", tx.Model(&Highlight{}).Select("id").Where("document_id = ?", documentID)).
			Delete(&MarginNote{}).Error; err != nil {
			return newServiceError(opDeleteAll, "note_delete_failed", err)
		}
		result := tx.Where("document_id = ?", documentID).Delete(&Highlight{})
		if result.Error != nil {
			return newServiceError(opDeleteAll, "delete_failed", result.Error)
		}
		removed = result.RowsAffected
		return nil
	})
	if txErr != nil {
		s.logError(opDeleteAll, "transaction_failed", txErr, zap.String("document_id", documentID))
		return 0, txErr
	}
	return removed, nil
}

// CreateMarginNote attaches a note to an existing highlight.
func (s *Service) CreateMarginNote(ctx context.Context, highlightID, content string) (MarginNote, error) {
	if content == "" {
		return MarginNote{}, newServiceError(opCreateNote, "empty_content", ErrEmptyContent)
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateNote, "id_generation_failed", err)
		return MarginNote{}, newServiceError(opCreateNote, "id_generation_failed", err)
	}

	nowMillis := s.clock().UTC().UnixMilli()
	note := MarginNote{
		ID:          id,
		HighlightID: highlightID,
		Content:     content,
		CreatedAt:   nowMillis,
		UpdatedAt:   nowMillis,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owner Highlight
		err := tx.Where("id = ?", highlightID).Take(&owner).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opCreateNote, "highlight_not_found", errHighlightNotFound)
		}
		if err != nil {
			return newServiceError(opCreateNote, "select_failed", err)
		}
		if err := tx.Create(&note).Error; err != nil {
			return newServiceError(opCreateNote, "insert_failed", err)
		}
		return s.touchDocument(tx, owner.DocumentID, nowMillis)
	})
	if txErr != nil {
		s.logError(opCreateNote, "transaction_failed", txErr, zap.String("highlight_id", highlightID))
		return MarginNote{}, txErr
	}

	return note, nil
}

// ListMarginNotes returns a document's margin notes ordered by the owning
// highlight's position.
func (s *Service) ListMarginNotes(ctx context.Context, documentID string) ([]MarginNote, error) {
	var notes []MarginNote
	if err := s.db.WithContext(ctx).
		Model(&MarginNote{}).
		Select("margin_notes.*").
		Joins("JOIN highlights ON highlights.id = margin_notes.highlight_id").
		Where("highlights.document_id = ?", documentID).
		Order("highlights.from_pos ASC").
		Find(&notes).Error; err != nil {
		s.logError(opListNotes, "query_failed", err, zap.String("document_id", documentID))
		return nil, newServiceError(opListNotes, "query_failed", err)
	}
	return notes, nil
}

// SetMarginNoteContent rewrites a note's content.
func (s *Service) SetMarginNoteContent(ctx context.Context, noteID, content string) error {
	if content == "" {
		return newServiceError(opSetNoteContent, "empty_content", ErrEmptyContent)
	}
	nowMillis := s.clock().UTC().UnixMilli()
	result := s.db.WithContext(ctx).Model(&MarginNote{}).
		Where("id = ?", noteID).
		Updates(map[string]any{"content": content, "updated_at": nowMillis})
	if result.Error != nil {
		s.logError(opSetNoteContent, "update_failed", result.Error, zap.String("note_id", noteID))
		return newServiceError(opSetNoteContent, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opSetNoteContent, "not_found", errNoteNotFound)
	}
	return nil
}

// DeleteMarginNote removes a single note.
func (s *Service) DeleteMarginNote(ctx context.Context, noteID string) error {
	result := s.db.WithContext(ctx).Where("id = ?", noteID).Delete(&MarginNote{})
	if result.Error != nil {
		s.logError(opDeleteNote, "delete_failed", result.Error, zap.String("note_id", noteID))
		return newServiceError(opDeleteNote, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opDeleteNote, "not_found", errNoteNotFound)
	}
	return nil
}

func (s *Service) touchDocument(tx *gorm.DB, documentID string, nowMillis int64) error {
	return tx.Model(&documents.Document{}).
		Where("id = ?", documentID).
		Update("last_opened_at", nowMillis).Error
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
	s.logger.Error("annotations service error", attrs...)
}
