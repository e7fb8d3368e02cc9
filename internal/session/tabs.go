package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrInvalidTabID indicates that a tab identifier is empty or exceeds storage bounds.
	ErrInvalidTabID = errors.New("session: invalid tab id")
)

const maxIdentifierLength = 190

// TabID represents a validated tab identifier.
type TabID string

// NewTabID validates raw input and returns a TabID.
func NewTabID(rawInput string) (TabID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTabID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTabID, maxIdentifierLength)
	}
	return TabID(trimmed), nil
}

// String returns the underlying string identifier.
func (id TabID) String() string {
	return string(id)
}

// Tab is the live, in-memory tab state. Order values are unique within a
// session and kept dense (0..n-1) by the engine.
type Tab struct {
	ID         string  `json:"id"`
	DocumentID *string `json:"document_id"`
	Title      string  `json:"title"`
	IsDirty    bool    `json:"is_dirty"`
	Order      int64   `json:"order"`
	CreatedAt  int64   `json:"created_at"`
}

// DisplayTitle returns the tab title or the "Untitled" fallback.
func (t Tab) DisplayTitle() string {
	if strings.TrimSpace(t.Title) == "" {
		return "Untitled"
	}
	return t.Title
}

// PersistedTab is the durable record mirroring a live Tab, written on every
// structural change so the layout round-trips across restarts.
type PersistedTab struct {
	ID         string `gorm:"column:id;primaryKey;size:190;not null"`
	DocumentID string `gorm:"column:document_id;size:190;not null"`
	TabOrder   int64  `gorm:"column:tab_order;not null"`
	IsActive   bool   `gorm:"column:is_active;not null;default:false"`
	CreatedAt  int64  `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PersistedTab) TableName() string {
	return "open_tabs"
}

// TabStore persists the open-tab layout. Writes replace the whole set inside
// one transaction so readers never observe a partially updated layout.
type TabStore struct {
	db *gorm.DB
}

// NewTabStore wraps the database handle.
func NewTabStore(db *gorm.DB) (*TabStore, error) {
	if db == nil {
		return nil, errors.New("session: database handle is required")
	}
	return &TabStore{db: db}, nil
}

// FetchAll returns the persisted layout ordered by tab_order.
func (s *TabStore) FetchAll(ctx context.Context) ([]PersistedTab, error) {
	var tabs []PersistedTab
	if err := s.db.WithContext(ctx).Order("tab_order ASC").Find(&tabs).Error; err != nil {
		return nil, err
	}
	return tabs, nil
}

// ReplaceAll deletes the stored layout and writes the provided one.
func (s *TabStore) ReplaceAll(ctx context.Context, tabs []PersistedTab) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&PersistedTab{}).Error; err != nil {
			return err
		}
		for i := range tabs {
			if err := tx.Create(&tabs[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
