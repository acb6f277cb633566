package models

import (
	"time"

	"gorm.io/datatypes"
)

// Annotation is a span-level label over a text's content. The span is
// half-open, [StartPosition, EndPosition), measured in runes.
type Annotation struct {
	ID     uint `gorm:"primaryKey" json:"id"`
	TextID uint `gorm:"index;not null" json:"text_id"`

	// AnnotatorID is nil for system-seeded spans created by bulk import.
	// Ownership checks must go through Owner / OwnedBy so the unowned case
	// stays explicit.
	AnnotatorID *uint `gorm:"index" json:"annotator_id"`

	Type          string         `gorm:"column:annotation_type;index;not null" json:"annotation_type"`
	StartPosition int            `gorm:"not null" json:"start_position"`
	EndPosition   int            `gorm:"not null" json:"end_position"`
	SelectedText  string         `json:"selected_text"`
	Label         string         `json:"label"`
	Name          string         `json:"name"`
	Level         string         `json:"level"`
	Meta          datatypes.JSON `json:"meta,omitempty"`
	Confidence    int            `gorm:"default:100" json:"confidence"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Reviews []AnnotationReview `gorm:"constraint:OnDelete:CASCADE" json:"reviews,omitempty"`

	// IsAgreed is computed on read, not stored: true once any reviewer has
	// endorsed the annotation.
	IsAgreed bool `gorm:"-" json:"is_agreed"`
}

// Owner returns the owning annotator id, or ok=false for a system-seeded span.
func (a *Annotation) Owner() (uint, bool) {
	if a.AnnotatorID == nil {
		return 0, false
	}
	return *a.AnnotatorID, true
}

// IsSystemSeeded reports whether the span has no owning annotator.
func (a *Annotation) IsSystemSeeded() bool {
	return a.AnnotatorID == nil
}

// OwnedBy reports whether userID owns the annotation. System-seeded spans are
// owned by nobody.
func (a *Annotation) OwnedBy(userID uint) bool {
	owner, ok := a.Owner()
	return ok && owner == userID
}
