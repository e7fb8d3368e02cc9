package annotations

import (
	"errors"
	"fmt"
	"strings"
)

// Color enumerates the supported highlight colors.
type Color string

const (
	ColorYellow Color = "yellow"
	ColorGreen  Color = "green"
	ColorBlue   Color = "blue"
	ColorPink   Color = "pink"
	ColorOrange Color = "orange"
)

var (
	// ErrInvalidColor indicates an unknown highlight color.
	ErrInvalidColor = errors.New("annotations: invalid highlight color")
	// ErrInvalidRange indicates a highlight whose start offset exceeds its end offset.
	ErrInvalidRange = errors.New("annotations: from_pos exceeds to_pos")
	// ErrEmptyContent indicates a margin note without content.
	ErrEmptyContent = errors.New("annotations: margin note content is empty")
)

// ParseColor validates a raw color value.
func ParseColor(rawInput string) (Color, error) {
	switch Color(strings.ToLower(strings.TrimSpace(rawInput))) {
	case ColorYellow:
		return ColorYellow, nil
	case ColorGreen:
		return ColorGreen, nil
	case ColorBlue:
		return ColorBlue, nil
	case ColorPink:
		return ColorPink, nil
	case ColorOrange:
		return ColorOrange, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidColor, rawInput)
	}
}

// Highlight models a colored text range anchored into a document. The
// prefix/suffix context allows fuzzy re-anchoring when offsets drift.
type Highlight struct {
	ID            string  `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	DocumentID    string  `gorm:"column:document_id;size:190;not null;index:idx_highlights_document" json:"document_id"`
	Color         string  `gorm:"column:color;size:32;not null;default:yellow" json:"color"`
	TextContent   string  `gorm:"column:text_content;type:text;not null" json:"text_content"`
	FromPos       int64   `gorm:"column:from_pos;not null" json:"from_pos"`
	ToPos         int64   `gorm:"column:to_pos;not null" json:"to_pos"`
	PrefixContext *string `gorm:"column:prefix_context;type:text" json:"prefix_context"`
	SuffixContext *string `gorm:"column:suffix_context;type:text" json:"suffix_context"`
	CreatedAt     int64   `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt     int64   `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Highlight) TableName() string {
	return "highlights"
}

// Validate checks the range invariant and color enum.
func (h Highlight) Validate() error {
	if _, err := ParseColor(h.Color); err != nil {
		return err
	}
	if h.FromPos > h.ToPos {
		return fmt.Errorf("%w: %d > %d", ErrInvalidRange, h.FromPos, h.ToPos)
	}
	return nil
}

// MarginNote models a note attached to a highlight. It cannot outlive the
// highlight: deleting the highlight cascades to its notes.
type MarginNote struct {
	ID          string `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	HighlightID string `gorm:"column:highlight_id;size:190;not null;index:idx_margin_notes_highlight" json:"highlight_id"`
	Content     string `gorm:"column:content;type:text;not null" json:"content"`
	CreatedAt   int64  `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt   int64  `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (MarginNote) TableName() string {
	return "margin_notes"
}
