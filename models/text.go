package models

import (
	"time"

	"gorm.io/gorm"
)

// Text status constants. A text moves initialized -> progress -> annotated ->
// reviewed / reviewed_needs_revision, and back to annotated after revision.
const (
	StatusInitialized           = "initialized"
	StatusProgress              = "progress"
	StatusAnnotated             = "annotated"
	StatusReviewed              = "reviewed"
	StatusReviewedNeedsRevision = "reviewed_needs_revision"
	StatusSkipped               = "skipped"
)

// ValidStatuses lists every status accepted by the API.
var ValidStatuses = []string{
	StatusInitialized,
	StatusProgress,
	StatusAnnotated,
	StatusReviewed,
	StatusReviewedNeedsRevision,
	StatusSkipped,
}

// IsValidStatus reports whether the value is a known text status.
func IsValidStatus(status string) bool {
	for _, s := range ValidStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Text is a document passing through the annotation pipeline.
//
// UploadedBy distinguishes self-service texts (set) from pool texts (nil).
// AnnotatorID is set exactly while status is progress, annotated, reviewed or
// reviewed_needs_revision; at most one annotator and one reviewer are active
// at any time.
type Text struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Title    string `gorm:"uniqueIndex;not null" json:"title"`
	Content  string `gorm:"type:text;not null" json:"content"`
	Source   string `json:"source"`
	Language string `gorm:"default:en" json:"language"`
	Status   string `gorm:"not null;default:initialized;index" json:"status"`

	UploadedBy  *uint `gorm:"index" json:"uploaded_by"`
	AnnotatorID *uint `gorm:"index" json:"annotator_id"`
	ReviewerID  *uint `gorm:"index" json:"reviewer_id"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Annotations []Annotation `gorm:"constraint:OnDelete:CASCADE" json:"annotations,omitempty"`
}

// IsPool reports whether the text belongs to the shared pool rather than to
// an individual uploader.
func (t *Text) IsPool() bool {
	return t.UploadedBy == nil
}

// AnnotatedBy reports whether userID is the text's current annotator.
func (t *Text) AnnotatedBy(userID uint) bool {
	return t.AnnotatorID != nil && *t.AnnotatorID == userID
}
