package models

import "time"

// Review decision constants.
const (
	DecisionAgree    = "agree"
	DecisionDisagree = "disagree"
)

// IsValidDecision reports whether the value is a known review decision.
func IsValidDecision(decision string) bool {
	return decision == DecisionAgree || decision == DecisionDisagree
}

// AnnotationReview records one reviewer's decision on one annotation. The
// (annotation, reviewer) pair is unique; a resubmission updates the existing
// row in place.
type AnnotationReview struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	AnnotationID uint   `gorm:"not null;index;uniqueIndex:uniq_annotation_reviewer" json:"annotation_id"`
	ReviewerID   uint   `gorm:"not null;index;uniqueIndex:uniq_annotation_reviewer" json:"reviewer_id"`
	Decision     string `gorm:"not null" json:"decision"`
	Comment      string `json:"comment"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
