package services

import (
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	model "github.com/pecha-tools/annotation-backend/models"
	"gorm.io/gorm"
)

// ReviewService aggregates per-annotation reviewer decisions into
// document-level outcomes. Review submission is all-or-nothing: the decision
// set must cover every annotation of the text, and the whole submission plus
// the resulting status change commit as one transaction.
type ReviewService struct {
	db    *gorm.DB
	texts *TextService
}

// NewReviewService initializes the service. The text service supplies the
// next-for-review lookup returned as a hint after each submission.
func NewReviewService(db *gorm.DB, texts *TextService) *ReviewService {
	return &ReviewService{db: db, texts: texts}
}

// ReviewDecision is one reviewer decision inside a submission.
type ReviewDecision struct {
	AnnotationID uint   `json:"annotation_id" binding:"required"`
	Decision     string `json:"decision" binding:"required"`
	Comment      string `json:"comment"`
}

// ReviewOutcome is the result of a full review submission.
type ReviewOutcome struct {
	TextID       uint        `json:"text_id"`
	TotalReviews int         `json:"total_reviews"`
	Status       string      `json:"status"`
	NextText     *model.Text `json:"next_review_text,omitempty"`
}

// upsertReview creates or updates the (annotation, reviewer) review in place.
func upsertReview(tx *gorm.DB, annotationID, reviewerID uint, decision, comment string) (*model.AnnotationReview, error) {
	var review model.AnnotationReview
	err := tx.Where("annotation_id = ? AND reviewer_id = ?", annotationID, reviewerID).First(&review).Error
	switch {
	case err == nil:
		review.Decision = decision
		review.Comment = comment
		if err := tx.Save(&review).Error; err != nil {
			return nil, fmt.Errorf("failed to update review %d: %w", review.ID, err)
		}
		return &review, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		review = model.AnnotationReview{
			AnnotationID: annotationID,
			ReviewerID:   reviewerID,
			Decision:     decision,
			Comment:      comment,
		}
		if err := tx.Create(&review).Error; err != nil {
			return nil, fmt.Errorf("failed to create review: %w", err)
		}
		return &review, nil
	default:
		return nil, fmt.Errorf("failed to look up review: %w", err)
	}
}

// ReviewAnnotation records a single decision ahead of the final submission.
// Resubmitting for the same annotation overwrites the earlier decision.
func (s *ReviewService) ReviewAnnotation(reviewer *model.User, annotationID uint, decision, comment string) (*model.AnnotationReview, error) {
	if !reviewer.Role.Can(model.CapReview) {
		return nil, fmt.Errorf("%w: role %q cannot review annotations", ErrPermissionDenied, reviewer.Role)
	}
	if !model.IsValidDecision(decision) {
		return nil, fmt.Errorf("%w: decision must be %q or %q", ErrValidation, model.DecisionAgree, model.DecisionDisagree)
	}

	var annotation model.Annotation
	if err := s.db.First(&annotation, annotationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: annotation %d", ErrNotFound, annotationID)
		}
		return nil, fmt.Errorf("failed to fetch annotation %d: %w", annotationID, err)
	}

	return upsertReview(s.db, annotationID, reviewer.ID, decision, comment)
}

// SubmitReview persists a complete decision set for a text and recomputes the
// text's status: any disagreement sends it to reviewed_needs_revision, a
// clean sheet to reviewed. The reviewer is recorded on the text, and the next
// text available for this reviewer is returned as a hint.
func (s *ReviewService) SubmitReview(reviewer *model.User, textID uint, decisions []ReviewDecision) (*ReviewOutcome, error) {
	if !reviewer.Role.Can(model.CapReview) {
		return nil, fmt.Errorf("%w: role %q cannot submit reviews", ErrPermissionDenied, reviewer.Role)
	}

	text, err := s.texts.GetText(textID)
	if err != nil {
		return nil, err
	}
	if text.Status != model.StatusAnnotated {
		return nil, fmt.Errorf("%w: text %d must be annotated for review, is %s", ErrStateConflict, textID, text.Status)
	}

	annotationIDs := map[uint]bool{}
	var ids []uint
	if err := s.db.Model(&model.Annotation{}).Where("text_id = ?", textID).Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to collect annotations of text %d: %w", textID, err)
	}
	for _, id := range ids {
		annotationIDs[id] = true
	}

	if len(decisions) != len(ids) {
		return nil, fmt.Errorf("%w: must review all annotations, expected %d decisions, got %d",
			ErrValidation, len(ids), len(decisions))
	}
	seen := map[uint]bool{}
	for _, d := range decisions {
		if !model.IsValidDecision(d.Decision) {
			return nil, fmt.Errorf("%w: decision must be %q or %q", ErrValidation, model.DecisionAgree, model.DecisionDisagree)
		}
		if !annotationIDs[d.AnnotationID] {
			return nil, fmt.Errorf("%w: annotation %d does not belong to text %d", ErrValidation, d.AnnotationID, textID)
		}
		if seen[d.AnnotationID] {
			return nil, fmt.Errorf("%w: duplicate decision for annotation %d", ErrValidation, d.AnnotationID)
		}
		seen[d.AnnotationID] = true
	}

	disagreed := 0
	for _, d := range decisions {
		if d.Decision == model.DecisionDisagree {
			disagreed++
		}
	}
	nextStatus := model.StatusReviewed
	if disagreed > 0 {
		nextStatus = model.StatusReviewedNeedsRevision
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		for _, d := range decisions {
			if _, err := upsertReview(tx, d.AnnotationID, reviewer.ID, d.Decision, d.Comment); err != nil {
				return err
			}
		}
		return transitionText(tx, textID, model.StatusAnnotated, nextStatus,
			transitionUpdate{"reviewer_id": reviewer.ID})
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[SubmitReview] reviewer %d reviewed text %d: %d decisions, %d disagreed, status %s",
		reviewer.ID, textID, len(decisions), disagreed, nextStatus)

	outcome := &ReviewOutcome{
		TextID:       textID,
		TotalReviews: len(decisions),
		Status:       nextStatus,
	}
	if next, err := s.GetTextsForReview(reviewer, 0, 1); err == nil && len(next) > 0 {
		outcome.NextText = &next[0]
	}
	return outcome, nil
}

// GetTextsForReview lists annotated pool texts awaiting review, excluding
// texts the requesting reviewer annotated themselves.
func (s *ReviewService) GetTextsForReview(reviewer *model.User, offset, limit int) ([]model.Text, error) {
	if limit == 0 {
		limit = 100
	}
	var texts []model.Text
	err := s.db.
		Where("status = ? AND uploaded_by IS NULL", model.StatusAnnotated).
		Where("annotator_id IS NULL OR annotator_id <> ?", reviewer.ID).
		Offset(offset).Limit(limit).
		Find(&texts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list texts for review: %w", err)
	}
	return texts, nil
}

// ReviewStatus reports one reviewer's progress through a text's annotations.
type ReviewStatus struct {
	TextID              uint `json:"text_id"`
	TotalAnnotations    int  `json:"total_annotations"`
	ReviewedAnnotations int  `json:"reviewed_annotations"`
	PendingAnnotations  int  `json:"pending_annotations"`
	IsComplete          bool `json:"is_complete"`
}

// GetReviewStatus computes the reviewer's completion state for a text.
func (s *ReviewService) GetReviewStatus(reviewer *model.User, textID uint) (*ReviewStatus, error) {
	if _, err := s.texts.GetText(textID); err != nil {
		return nil, err
	}

	var total int64
	if err := s.db.Model(&model.Annotation{}).Where("text_id = ?", textID).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count annotations of text %d: %w", textID, err)
	}

	var reviewed int64
	err := s.db.Model(&model.AnnotationReview{}).
		Joins("JOIN annotations ON annotations.id = annotation_reviews.annotation_id").
		Where("annotations.text_id = ? AND annotation_reviews.reviewer_id = ?", textID, reviewer.ID).
		Count(&reviewed).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count reviews for text %d: %w", textID, err)
	}

	return &ReviewStatus{
		TextID:              textID,
		TotalAnnotations:    int(total),
		ReviewedAnnotations: int(reviewed),
		PendingAnnotations:  int(total - reviewed),
		IsComplete:          total == reviewed,
	}, nil
}

// AnnotationReviewState is one annotation of a review session with the
// requesting reviewer's decision state attached.
type AnnotationReviewState struct {
	Annotation model.Annotation `json:"annotation"`
	Reviewed   bool             `json:"reviewed"`
	Decision   string           `json:"decision,omitempty"`
	Comment    string           `json:"comment,omitempty"`
}

// ReviewSession is everything a reviewer needs to work through one text.
type ReviewSession struct {
	TextID      uint                    `json:"text_id"`
	Title       string                  `json:"title"`
	Content     string                  `json:"content"`
	Annotations []AnnotationReviewState `json:"annotations"`
	Status      *ReviewStatus           `json:"review_status"`
}

// StartReviewSession loads the session data for a text and records the
// reviewer on it if no reviewer is assigned yet.
func (s *ReviewService) StartReviewSession(reviewer *model.User, textID uint) (*ReviewSession, error) {
	if !reviewer.Role.Can(model.CapReview) {
		return nil, fmt.Errorf("%w: role %q cannot review", ErrPermissionDenied, reviewer.Role)
	}
	text, err := s.texts.GetText(textID)
	if err != nil {
		return nil, err
	}
	if text.Status != model.StatusAnnotated {
		return nil, fmt.Errorf("%w: text %d must be annotated for review, is %s", ErrStateConflict, textID, text.Status)
	}

	if text.ReviewerID == nil {
		err := s.db.Model(&model.Text{}).
			Where("id = ? AND reviewer_id IS NULL", textID).
			Update("reviewer_id", reviewer.ID).Error
		if err != nil {
			return nil, fmt.Errorf("failed to assign reviewer to text %d: %w", textID, err)
		}
	}

	var annotations []model.Annotation
	if err := s.db.Where("text_id = ?", textID).Find(&annotations).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch annotations of text %d: %w", textID, err)
	}

	var existing []model.AnnotationReview
	err = s.db.
		Joins("JOIN annotations ON annotations.id = annotation_reviews.annotation_id").
		Where("annotations.text_id = ? AND annotation_reviews.reviewer_id = ?", textID, reviewer.ID).
		Find(&existing).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch existing reviews for text %d: %w", textID, err)
	}
	decisionByAnnotation := map[uint]model.AnnotationReview{}
	for _, review := range existing {
		decisionByAnnotation[review.AnnotationID] = review
	}

	states := make([]AnnotationReviewState, 0, len(annotations))
	for _, annotation := range annotations {
		state := AnnotationReviewState{Annotation: annotation}
		if review, ok := decisionByAnnotation[annotation.ID]; ok {
			state.Reviewed = true
			state.Decision = review.Decision
			state.Comment = review.Comment
		}
		states = append(states, state)
	}

	status, err := s.GetReviewStatus(reviewer, textID)
	if err != nil {
		return nil, err
	}
	return &ReviewSession{
		TextID:      text.ID,
		Title:       text.Title,
		Content:     text.Content,
		Annotations: states,
		Status:      status,
	}, nil
}

// GetAnnotationReviews returns every review of one annotation.
func (s *ReviewService) GetAnnotationReviews(annotationID uint) ([]model.AnnotationReview, error) {
	var count int64
	if err := s.db.Model(&model.Annotation{}).Where("id = ?", annotationID).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("failed to check annotation %d: %w", annotationID, err)
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: annotation %d", ErrNotFound, annotationID)
	}

	var reviews []model.AnnotationReview
	if err := s.db.Where("annotation_id = ?", annotationID).Find(&reviews).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch reviews of annotation %d: %w", annotationID, err)
	}
	return reviews, nil
}

// DeleteReview removes a review. Only its author may delete it; removing an
// agree decision is the one path that unlocks an endorsed annotation.
func (s *ReviewService) DeleteReview(user *model.User, reviewID uint) error {
	var review model.AnnotationReview
	if err := s.db.First(&review, reviewID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: review %d", ErrNotFound, reviewID)
		}
		return fmt.Errorf("failed to fetch review %d: %w", reviewID, err)
	}
	if review.ReviewerID != user.ID {
		return fmt.Errorf("%w: user %d did not author review %d", ErrPermissionDenied, user.ID, reviewID)
	}
	if err := s.db.Delete(&review).Error; err != nil {
		return fmt.Errorf("failed to delete review %d: %w", reviewID, err)
	}
	return nil
}

// ReviewerStats summarizes one reviewer's decisions.
type ReviewerStats struct {
	TotalReviews     int64   `json:"total_reviews"`
	AgreedReviews    int64   `json:"agreed_reviews"`
	DisagreedReviews int64   `json:"disagreed_reviews"`
	TextsReviewed    int64   `json:"texts_reviewed"`
	AgreementRate    float64 `json:"agreement_rate"`
}

// GetReviewerStats computes decision statistics for one reviewer.
func (s *ReviewService) GetReviewerStats(reviewerID uint) (*ReviewerStats, error) {
	stats := &ReviewerStats{}
	base := s.db.Model(&model.AnnotationReview{}).Where("reviewer_id = ?", reviewerID)

	if err := base.Session(&gorm.Session{}).Count(&stats.TotalReviews).Error; err != nil {
		return nil, fmt.Errorf("failed to count reviews: %w", err)
	}
	if err := base.Session(&gorm.Session{}).Where("decision = ?", model.DecisionAgree).Count(&stats.AgreedReviews).Error; err != nil {
		return nil, fmt.Errorf("failed to count agree reviews: %w", err)
	}
	if err := base.Session(&gorm.Session{}).Where("decision = ?", model.DecisionDisagree).Count(&stats.DisagreedReviews).Error; err != nil {
		return nil, fmt.Errorf("failed to count disagree reviews: %w", err)
	}
	err := s.db.Model(&model.Text{}).
		Where("reviewer_id = ? AND status = ?", reviewerID, model.StatusReviewed).
		Count(&stats.TextsReviewed).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count reviewed texts: %w", err)
	}

	if stats.TotalReviews > 0 {
		stats.AgreementRate = float64(stats.AgreedReviews) / float64(stats.TotalReviews) * 100
	}
	return stats, nil
}

// ReviewProgress is one in-flight review assignment with completion counters.
type ReviewProgress struct {
	TextID             uint    `json:"text_id"`
	Title              string  `json:"title"`
	AnnotationCount    int64   `json:"annotation_count"`
	ReviewedCount      int64   `json:"reviewed_count"`
	ProgressPercentage float64 `json:"progress_percentage"`
	IsComplete         bool    `json:"is_complete"`
}

// GetMyReviewProgress lists the pool texts this reviewer has picked up but
// not submitted yet, with per-text decision counts.
func (s *ReviewService) GetMyReviewProgress(reviewer *model.User) ([]ReviewProgress, error) {
	var texts []model.Text
	err := s.db.
		Where("status = ? AND reviewer_id = ? AND uploaded_by IS NULL", model.StatusAnnotated, reviewer.ID).
		Find(&texts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list review assignments: %w", err)
	}

	progress := make([]ReviewProgress, 0, len(texts))
	for _, text := range texts {
		var total int64
		if err := s.db.Model(&model.Annotation{}).Where("text_id = ?", text.ID).Count(&total).Error; err != nil {
			return nil, fmt.Errorf("failed to count annotations of text %d: %w", text.ID, err)
		}
		var reviewed int64
		err := s.db.Model(&model.AnnotationReview{}).
			Joins("JOIN annotations ON annotations.id = annotation_reviews.annotation_id").
			Where("annotations.text_id = ? AND annotation_reviews.reviewer_id = ?", text.ID, reviewer.ID).
			Count(&reviewed).Error
		if err != nil {
			return nil, fmt.Errorf("failed to count reviews for text %d: %w", text.ID, err)
		}

		entry := ReviewProgress{
			TextID:          text.ID,
			Title:           text.Title,
			AnnotationCount: total,
			ReviewedCount:   reviewed,
			IsComplete:      total > 0 && total == reviewed,
		}
		if total > 0 {
			entry.ProgressPercentage = math.Round(float64(reviewed)/float64(total)*1000) / 10
		}
		progress = append(progress, entry)
	}
	return progress, nil
}

// GetMyReviews returns the reviewer's own decisions, newest first.
func (s *ReviewService) GetMyReviews(reviewer *model.User, offset, limit int) ([]model.AnnotationReview, error) {
	if limit == 0 {
		limit = 100
	}
	var reviews []model.AnnotationReview
	err := s.db.
		Where("reviewer_id = ?", reviewer.ID).
		Order("created_at DESC").
		Offset(offset).Limit(limit).
		Find(&reviews).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	return reviews, nil
}

// ReviewedAnnotation pairs one annotation with the decisions it received.
type ReviewedAnnotation struct {
	Annotation model.Annotation         `json:"annotation"`
	Reviews    []model.AnnotationReview `json:"reviews"`
}

// ReviewedWork is one of an annotator's texts after review, with the verdict
// breakdown per annotation.
type ReviewedWork struct {
	TextID        uint                 `json:"text_id"`
	Title         string               `json:"title"`
	Status        string               `json:"status"`
	AgreeCount    int                  `json:"agree_count"`
	DisagreeCount int                  `json:"disagree_count"`
	ReviewedAt    time.Time            `json:"reviewed_at"`
	Annotations   []ReviewedAnnotation `json:"annotations"`
}

// GetReviewedWork lists the annotator's texts that came back from review,
// each with its annotations and the decisions they collected.
func (s *ReviewService) GetReviewedWork(annotator *model.User, offset, limit int) ([]ReviewedWork, error) {
	if limit == 0 {
		limit = 100
	}
	var texts []model.Text
	err := s.db.
		Where("annotator_id = ? AND status IN ?", annotator.ID,
			[]string{model.StatusReviewed, model.StatusReviewedNeedsRevision}).
		Order("updated_at DESC").
		Offset(offset).Limit(limit).
		Find(&texts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list reviewed work: %w", err)
	}

	work := make([]ReviewedWork, 0, len(texts))
	for _, text := range texts {
		var annotations []model.Annotation
		if err := s.db.Preload("Reviews").Where("text_id = ?", text.ID).Find(&annotations).Error; err != nil {
			return nil, fmt.Errorf("failed to fetch annotations of text %d: %w", text.ID, err)
		}

		entry := ReviewedWork{
			TextID:     text.ID,
			Title:      text.Title,
			Status:     text.Status,
			ReviewedAt: text.UpdatedAt,
		}
		for _, annotation := range annotations {
			for _, review := range annotation.Reviews {
				switch review.Decision {
				case model.DecisionAgree:
					entry.AgreeCount++
				case model.DecisionDisagree:
					entry.DisagreeCount++
				}
			}
			entry.Annotations = append(entry.Annotations, ReviewedAnnotation{
				Annotation: annotation,
				Reviews:    annotation.Reviews,
			})
		}
		work = append(work, entry)
	}
	return work, nil
}

// RevisionSummary describes one text sent back to its annotator.
type RevisionSummary struct {
	TextID           uint     `json:"text_id"`
	Title            string   `json:"title"`
	Status           string   `json:"status"`
	TotalAnnotations int64    `json:"total_annotations"`
	DisagreeCount    int      `json:"disagree_count"`
	DisagreeComments []string `json:"disagree_comments"`
}

// GetTextsNeedingRevision lists the annotator's texts that came back from
// review with disagreements, including the reviewers' comments.
func (s *ReviewService) GetTextsNeedingRevision(annotator *model.User, offset, limit int) ([]RevisionSummary, error) {
	if limit == 0 {
		limit = 100
	}
	var texts []model.Text
	err := s.db.
		Where("annotator_id = ? AND status = ?", annotator.ID, model.StatusReviewedNeedsRevision).
		Offset(offset).Limit(limit).
		Find(&texts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list texts needing revision: %w", err)
	}

	summaries := make([]RevisionSummary, 0, len(texts))
	for _, text := range texts {
		var reviews []model.AnnotationReview
		err := s.db.
			Joins("JOIN annotations ON annotations.id = annotation_reviews.annotation_id").
			Where("annotations.text_id = ?", text.ID).
			Find(&reviews).Error
		if err != nil {
			return nil, fmt.Errorf("failed to fetch reviews of text %d: %w", text.ID, err)
		}

		summary := RevisionSummary{TextID: text.ID, Title: text.Title, Status: text.Status}
		if err := s.db.Model(&model.Annotation{}).Where("text_id = ?", text.ID).Count(&summary.TotalAnnotations).Error; err != nil {
			return nil, fmt.Errorf("failed to count annotations of text %d: %w", text.ID, err)
		}
		for _, review := range reviews {
			if review.Decision == model.DecisionDisagree {
				summary.DisagreeCount++
				if review.Comment != "" {
					summary.DisagreeComments = append(summary.DisagreeComments, review.Comment)
				}
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}
