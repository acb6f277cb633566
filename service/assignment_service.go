package services

import (
	"errors"
	"fmt"
	"log"

	model "github.com/pecha-tools/annotation-backend/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Work assignment engine. A text is handed to at most one annotator at a
// time; the ledger of skipped texts guarantees nobody is offered a text they
// already passed on. Claims are conditional updates, so two users racing for
// the same text resolve in the store, not in memory.

// workInProgress finds the text the user currently holds in progress, scoped
// by role: annotators resume pool texts only, self-service users their own
// uploads only, admins anything they hold.
func (s *TextService) workInProgress(user *model.User) (*model.Text, error) {
	query := s.db.Where("annotator_id = ? AND status = ?", user.ID, model.StatusProgress)
	switch user.Role {
	case model.RoleAnnotator:
		query = query.Where("uploaded_by IS NULL")
	case model.RoleUser:
		query = query.Where("uploaded_by = ?", user.ID)
	}

	var text model.Text
	if err := query.First(&text).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up work in progress for user %d: %w", user.ID, err)
	}
	return &text, nil
}

// nextUnassignedText selects one initialized, unclaimed text the user has not
// rejected, visibility-filtered by role. Returns nil when the pool is empty
// for this user.
func (s *TextService) nextUnassignedText(user *model.User) (*model.Text, error) {
	rejected := s.db.Model(&model.UserRejectedText{}).
		Select("text_id").
		Where("user_id = ?", user.ID)

	query := s.db.
		Where("status = ? AND annotator_id IS NULL", model.StatusInitialized).
		Where("id NOT IN (?)", rejected)

	switch user.Role {
	case model.RoleUser:
		query = query.Where("uploaded_by = ?", user.ID)
	case model.RoleAnnotator:
		query = query.Where("uploaded_by IS NULL")
	}

	var text model.Text
	if err := query.Order("id").First(&text).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to select unassigned text for user %d: %w", user.ID, err)
	}
	return &text, nil
}

// selectAndClaim runs selection and claims the winner. A lost claim race is
// retried once with a fresh selection before giving up.
func (s *TextService) selectAndClaim(user *model.User) (*model.Text, error) {
	for attempt := 0; attempt < 2; attempt++ {
		candidate, err := s.nextUnassignedText(user)
		if err != nil {
			return nil, err
		}
		if candidate == nil {
			return nil, fmt.Errorf("%w: no texts for user %d", ErrNoWorkAvailable, user.ID)
		}

		claimed, err := claimText(s.db, candidate.ID, user.ID)
		if err != nil {
			return nil, err
		}
		if claimed {
			log.Printf("[selectAndClaim] text %d claimed by user %d", candidate.ID, user.ID)
			return s.GetText(candidate.ID)
		}
		log.Printf("[selectAndClaim] lost claim race on text %d, retrying selection", candidate.ID)
	}
	return nil, fmt.Errorf("%w: claim retries exhausted for user %d", ErrNoWorkAvailable, user.ID)
}

// StartWork resumes the user's text in progress or claims a new one.
// Self-service users never pull from the shared pool: with nothing in
// progress they get ErrNoWorkAvailable and must upload first.
func (s *TextService) StartWork(user *model.User) (*model.Text, error) {
	wip, err := s.workInProgress(user)
	if err != nil {
		return nil, err
	}
	if wip != nil {
		return wip, nil
	}

	if user.Role == model.RoleUser {
		return nil, fmt.Errorf("%w: user %d has no uploaded texts to annotate", ErrNoWorkAvailable, user.ID)
	}
	return s.selectAndClaim(user)
}

// SkipText records a rejection for the user's current text, reopens it for
// other users, and hands the user the next available text. Skipping with no
// text in progress yields ErrNoWorkAvailable.
func (s *TextService) SkipText(user *model.User) (*model.Text, error) {
	current, err := s.workInProgress(user)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("%w: user %d holds no text to skip", ErrNoWorkAvailable, user.ID)
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		// The ledger is append-only and unique per (user, text); a repeat
		// rejection is absorbed, not an error.
		rejection := model.UserRejectedText{UserID: user.ID, TextID: current.ID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rejection).Error; err != nil {
			return fmt.Errorf("failed to record rejection of text %d: %w", current.ID, err)
		}
		return transitionText(tx, current.ID, model.StatusProgress, model.StatusInitialized,
			transitionUpdate{"annotator_id": nil})
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[SkipText] user %d skipped text %d", user.ID, current.ID)

	return s.selectAndClaim(user)
}

// CancelWork releases the user's claim on a text without recording a
// rejection. Only the current annotator may cancel, and only while the text
// is in progress.
func (s *TextService) CancelWork(user *model.User, textID uint) error {
	text, err := s.GetText(textID)
	if err != nil {
		return err
	}
	if !text.AnnotatedBy(user.ID) {
		return fmt.Errorf("%w: user %d is not the annotator of text %d", ErrPermissionDenied, user.ID, textID)
	}
	if text.Status != model.StatusProgress {
		return fmt.Errorf("%w: text %d is %s, not in progress", ErrStateConflict, textID, text.Status)
	}
	return transitionText(s.db, textID, model.StatusProgress, model.StatusInitialized,
		transitionUpdate{"annotator_id": nil})
}

// RevertWork deletes all of the acting annotator's spans on a completed text,
// clears the annotator and reopens the text. Fails unless the actor was the
// annotator and owns at least one annotation on the text.
func (s *TextService) RevertWork(user *model.User, textID uint) (int64, error) {
	text, err := s.GetText(textID)
	if err != nil {
		return 0, err
	}
	if !text.AnnotatedBy(user.ID) {
		return 0, fmt.Errorf("%w: user %d was never the annotator of text %d", ErrPermissionDenied, user.ID, textID)
	}
	if text.Status != model.StatusAnnotated && text.Status != model.StatusReviewed {
		return 0, fmt.Errorf("%w: can only revert completed work, text %d is %s", ErrStateConflict, textID, text.Status)
	}

	var owned int64
	err = s.db.Model(&model.Annotation{}).
		Where("text_id = ? AND annotator_id = ?", textID, user.ID).
		Count(&owned).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count annotations on text %d: %w", textID, err)
	}
	if owned < 1 {
		return 0, fmt.Errorf("%w: user %d has no annotations on text %d to revert", ErrStateConflict, user.ID, textID)
	}

	var removed int64
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var annotationIDs []uint
		if err := tx.Model(&model.Annotation{}).
			Where("text_id = ? AND annotator_id = ?", textID, user.ID).
			Pluck("id", &annotationIDs).Error; err != nil {
			return fmt.Errorf("failed to collect annotations on text %d: %w", textID, err)
		}
		if err := tx.Where("annotation_id IN ?", annotationIDs).Delete(&model.AnnotationReview{}).Error; err != nil {
			return fmt.Errorf("failed to delete reviews on text %d: %w", textID, err)
		}
		res := tx.Where("text_id = ? AND annotator_id = ?", textID, user.ID).Delete(&model.Annotation{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete annotations on text %d: %w", textID, res.Error)
		}
		removed = res.RowsAffected

		return transitionText(tx, textID, text.Status, model.StatusInitialized,
			transitionUpdate{"annotator_id": nil})
	})
	if err != nil {
		return 0, err
	}
	log.Printf("[RevertWork] user %d reverted text %d, removed %d annotations", user.ID, textID, removed)
	return removed, nil
}

// SubmitTask marks the user's in-progress text as annotated and immediately
// tries to hand them their next claim. The next text is nil when the pool is
// exhausted; that is not an error.
func (s *TextService) SubmitTask(user *model.User, textID uint) (*model.Text, *model.Text, error) {
	text, err := s.GetText(textID)
	if err != nil {
		return nil, nil, err
	}
	if !text.AnnotatedBy(user.ID) {
		return nil, nil, fmt.Errorf("%w: user %d is not assigned to text %d", ErrPermissionDenied, user.ID, textID)
	}
	if text.Status != model.StatusProgress {
		return nil, nil, fmt.Errorf("%w: text %d must be in progress to submit, is %s", ErrStateConflict, textID, text.Status)
	}

	if err := transitionText(s.db, textID, model.StatusProgress, model.StatusAnnotated, nil); err != nil {
		return nil, nil, err
	}
	submitted, err := s.GetText(textID)
	if err != nil {
		return nil, nil, err
	}

	next, err := s.StartWork(user)
	if err != nil {
		if errors.Is(err, ErrNoWorkAvailable) {
			return submitted, nil, nil
		}
		return nil, nil, err
	}
	return submitted, next, nil
}

// ReopenTask moves a completed text back to annotated so the original
// annotator can correct their work after review.
func (s *TextService) ReopenTask(user *model.User, textID uint) (*model.Text, error) {
	text, err := s.GetText(textID)
	if err != nil {
		return nil, err
	}
	if !text.AnnotatedBy(user.ID) {
		return nil, fmt.Errorf("%w: user %d was never assigned to text %d", ErrPermissionDenied, user.ID, textID)
	}
	switch text.Status {
	case model.StatusAnnotated, model.StatusReviewed, model.StatusReviewedNeedsRevision:
	default:
		return nil, fmt.Errorf("%w: can only reopen completed tasks, text %d is %s", ErrStateConflict, textID, text.Status)
	}

	if err := transitionText(s.db, textID, text.Status, model.StatusAnnotated, nil); err != nil {
		return nil, err
	}
	return s.GetText(textID)
}

// GetWorkInProgressList lists every text the user currently holds in
// progress, filtered by the same role visibility as StartWork.
func (s *TextService) GetWorkInProgressList(user *model.User) ([]model.Text, error) {
	query := s.db.Where("annotator_id = ? AND status = ?", user.ID, model.StatusProgress)
	switch user.Role {
	case model.RoleUser:
		query = query.Where("uploaded_by = ?", user.ID)
	case model.RoleAnnotator:
		query = query.Where("uploaded_by IS NULL")
	}

	var texts []model.Text
	if err := query.Find(&texts).Error; err != nil {
		return nil, fmt.Errorf("failed to list work in progress for user %d: %w", user.ID, err)
	}
	return texts, nil
}

// GetTextsForAnnotation lists texts open for annotation (initialized or sent
// back for revision), visibility-filtered by role.
func (s *TextService) GetTextsForAnnotation(user *model.User, offset, limit int) ([]model.Text, error) {
	if limit == 0 {
		limit = 100
	}
	query := s.db.Where("status IN ?", []string{model.StatusInitialized, model.StatusReviewedNeedsRevision})
	switch user.Role {
	case model.RoleUser:
		query = query.Where("uploaded_by = ?", user.ID)
	case model.RoleAnnotator:
		query = query.Where("uploaded_by IS NULL")
	}

	var texts []model.Text
	if err := query.Offset(offset).Limit(limit).Find(&texts).Error; err != nil {
		return nil, fmt.Errorf("failed to list texts for annotation: %w", err)
	}
	return texts, nil
}
