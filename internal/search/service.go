// Package search maintains a full-text index over document content and
// serves ranked queries against it. The index lives in an FTS5 virtual table
// next to the documents table; ranking blends BM25 relevance with a frecency
// boost derived from how often and how recently a document was opened.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
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
	opServiceNew = "search.service.new"
	opIndex      = "search.index"
	opRemove     = "search.remove"
	opQuery      = "search.query"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Result is one ranked search hit. Rank is the raw BM25 score; more negative
// means a better match.
type Result struct {
	DocumentID string  `gorm:"column:document_id" json:"document_id"`
	Title      string  `gorm:"column:title" json:"title"`
	Snippet    string  `gorm:"column:snippet" json:"snippet"`
	Rank       float64 `gorm:"column:rank" json:"rank"`
}

// ServiceConfig carries the dependencies for a search Service.
type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Service owns the documents_fts index.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// EnsureIndex creates the FTS5 virtual table when it does not exist yet.
// Prefix indexes cover 2- and 3-character prefixes so short queries match as
// the user types; diacritics are folded so "cafe" finds "café".
func EnsureIndex(db *gorm.DB) error {
	return db.Exec(
		`CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
			title, content, document_id UNINDEXED,
			prefix='2,3',
			tokenize='unicode61 remove_diacritics 2'
		)`,
	).Error
}

// NewService validates the configuration, ensures the index exists, and
// returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if err := EnsureIndex(cfg.Database); err != nil {
		return nil, newServiceError(opServiceNew, "index_creation_failed", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, logger: logger}, nil
}

// Index replaces the document's indexed text and bumps its access count for
// frecency ranking.
func (s *Service) Index(ctx context.Context, documentID, title, content string) error {
	if strings.TrimSpace(documentID) == "" {
		return newServiceError(opIndex, "missing_document_id", errors.New("document id is empty"))
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`DELETE FROM documents_fts WHERE document_id = ?`, documentID).Error; err != nil {
			return err
		}
		return tx.Exec(
			`INSERT INTO documents_fts (document_id, title, content) VALUES (?, ?, ?)`,
			documentID, title, content,
		).Error
	})
	if err != nil {
		s.logError(opIndex, "write_failed", err, zap.String("document_id", documentID))
		return newServiceError(opIndex, "write_failed", err)
	}

	// Best effort; a missing documents row must not fail the indexing.
	if err := s.db.WithContext(ctx).Exec(
		`UPDATE documents SET access_count = COALESCE(access_count, 0) + 1 WHERE id = ?`,
		documentID,
	).Error; err != nil {
		s.logger.Warn("failed to bump access count", zap.Error(err), zap.String("document_id", documentID))
	}
	return nil
}

// Remove drops the document from the index. Removing an unindexed document
// is not an error.
func (s *Service) Remove(ctx context.Context, documentID string) error {
	if err := s.db.WithContext(ctx).Exec(
		`DELETE FROM documents_fts WHERE document_id = ?`, documentID,
	).Error; err != nil {
		s.logError(opRemove, "delete_failed", err, zap.String("document_id", documentID))
		return newServiceError(opRemove, "delete_failed", err)
	}
	return nil
}

// Search returns up to limit ranked hits for the query. An empty or
// operator-only query returns no results. Title hits weigh ten times as much
// as body hits; the frecency boost favors documents opened often and
// recently, decaying with age.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 20
	}
	match := sanitizeQuery(query)
	if match == "" {
		return nil, nil
	}

	var results []Result
	err := s.db.WithContext(ctx).Raw(
		`SELECT f.document_id, f.title,
		        snippet(documents_fts, 1, '<mark>', '</mark>', '…', 32) AS snippet,
		        bm25(documents_fts, 10.0, 1.0) AS rank
		 FROM documents_fts f
		 LEFT JOIN documents d ON d.id = f.document_id
		 WHERE documents_fts MATCH ?
		 ORDER BY bm25(documents_fts, 10.0, 1.0)
		          - (COALESCE(d.access_count, 0) * 1.0 /
		             (1.0 + MAX(0, julianday('now') - julianday(datetime(COALESCE(d.last_opened_at, 0) / 1000, 'unixepoch'))) * 0.1))
		          * 0.3
		 LIMIT ?`,
		match, limit,
	).Scan(&results).Error
	if err != nil {
		s.logError(opQuery, "query_failed", err, zap.String("query", query))
		return nil, newServiceError(opQuery, "query_failed", err)
	}
	return results, nil
}

// sanitizeQuery rewrites raw user input as a safe FTS5 MATCH expression:
// operators and special characters are stripped, and every remaining term is
// quoted and suffixed with * for prefix matching.
func sanitizeQuery(raw string) string {
	cleaned := strings.NewReplacer(
		`"`, "", `'`, "", "(", "", ")", "", "{", "", "}", "", ":", "", "^", "",
	).Replace(strings.TrimSpace(raw))

	var terms []string
	for _, word := range strings.Fields(cleaned) {
		switch strings.ToUpper(word) {
		case "AND", "OR", "NOT", "NEAR":
			continue
		}
		var builder strings.Builder
		hasAlnum := false
		for _, r := range word {
			alnum := unicode.IsLetter(r) || unicode.IsDigit(r)
			if alnum {
				hasAlnum = true
			}
			if alnum || r == '-' || r == '_' {
				builder.WriteRune(r)
			}
		}
		if !hasAlnum || builder.Len() == 0 {
			continue
		}
		terms = append(terms, `"`+builder.String()+`"*`)
	}
	return strings.Join(terms, " ")
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
	s.logger.Error("search service error", attrs...)
}
