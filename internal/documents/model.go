package documents

import (
	"errors"
	"fmt"
	"strings"
)

// Source identifies where a document's content lives.
type Source string

const (
	// SourceFile marks a document backed by a file on disk.
	SourceFile Source = "file"
	// SourceKeepLocal marks a document backed by the local keep-local store.
	SourceKeepLocal Source = "keep_local"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("documents: invalid document id")
	// ErrInvalidSource indicates an unknown document source.
	ErrInvalidSource = errors.New("documents: invalid source")
	// ErrOriginMismatch indicates that the origin identifier does not match the declared source.
	ErrOriginMismatch = errors.New("documents: origin does not match source")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// ParseSource validates a raw source value.
func ParseSource(rawInput string) (Source, error) {
	switch Source(strings.ToLower(strings.TrimSpace(rawInput))) {
	case SourceFile:
		return SourceFile, nil
	case SourceKeepLocal:
		return SourceKeepLocal, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSource, rawInput)
	}
}

// Document models a tracked reading document. Exactly one of FilePath or
// KeepLocalID is set, determined by Source.
type Document struct {
	ID           string  `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Source       string  `gorm:"column:source;size:32;not null" json:"source"`
	FilePath     *string `gorm:"column:file_path;size:1024;uniqueIndex:idx_documents_file_path" json:"file_path"`
	KeepLocalID  *string `gorm:"column:keep_local_id;size:190;uniqueIndex:idx_documents_keep_local" json:"keep_local_id"`
	Title        *string `gorm:"column:title;size:512" json:"title"`
	Author       *string `gorm:"column:author;size:512" json:"author"`
	URL          *string `gorm:"column:url;size:2048" json:"url"`
	WordCount    int64   `gorm:"column:word_count;not null;default:0" json:"word_count"`
	AccessCount  int64   `gorm:"column:access_count;not null;default:0" json:"access_count"`
	LastOpenedAt int64   `gorm:"column:last_opened_at;not null;index:idx_documents_last_opened" json:"last_opened_at"`
	CreatedAt    int64   `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// Validate checks the source/origin invariant.
func (d Document) Validate() error {
	source, err := ParseSource(d.Source)
	if err != nil {
		return err
	}
	hasPath := d.FilePath != nil && strings.TrimSpace(*d.FilePath) != ""
	hasKeepLocal := d.KeepLocalID != nil && strings.TrimSpace(*d.KeepLocalID) != ""
	switch source {
	case SourceFile:
		if !hasPath || hasKeepLocal {
			return fmt.Errorf("%w: file document requires file_path only", ErrOriginMismatch)
		}
	case SourceKeepLocal:
		if !hasKeepLocal || hasPath {
			return fmt.Errorf("%w: keep-local document requires keep_local_id only", ErrOriginMismatch)
		}
	}
	return nil
}

// DisplayTitle returns the title or a fallback derived from the origin.
func (d Document) DisplayTitle() string {
	if d.Title != nil && strings.TrimSpace(*d.Title) != "" {
		return *d.Title
	}
	return "Untitled"
}
