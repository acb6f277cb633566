package services

import (
	"fmt"
	"log"

	model "github.com/pecha-tools/annotation-backend/models"
	"gorm.io/gorm"
)

// workflowTransitions is the single authority on legal status transitions.
// Every service that needs to move a text between statuses goes through
// transitionText; nothing else writes the status column.
var workflowTransitions = map[string][]string{
	model.StatusInitialized: {model.StatusProgress, model.StatusSkipped},
	model.StatusProgress:    {model.StatusAnnotated, model.StatusInitialized},
	model.StatusAnnotated: {
		model.StatusReviewed,
		model.StatusReviewedNeedsRevision,
		model.StatusInitialized,
		model.StatusAnnotated,
	},
	model.StatusReviewed:              {model.StatusAnnotated, model.StatusInitialized},
	model.StatusReviewedNeedsRevision: {model.StatusAnnotated, model.StatusInitialized},
	model.StatusSkipped:               {model.StatusInitialized},
}

// CanTransition reports whether the status change from -> to is legal.
// A self-transition on annotated is allowed: resubmitting after a revision
// keeps the text in annotated.
func CanTransition(from, to string) bool {
	for _, next := range workflowTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transitionUpdate is the extra column set applied atomically with a status
// change.
type transitionUpdate map[string]interface{}

// transitionText moves one text to the next status with a conditional update:
// the write only lands if the text still holds the status the caller decided
// on. Returns ErrStateConflict both for an illegal transition and for a lost
// race, so callers re-read and retry or surface the conflict.
func transitionText(db *gorm.DB, textID uint, from, to string, extra transitionUpdate) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: cannot move text %d from %s to %s", ErrStateConflict, textID, from, to)
	}

	updates := map[string]interface{}{"status": to}
	for col, val := range extra {
		updates[col] = val
	}

	res := db.Model(&model.Text{}).
		Where("id = ? AND status = ?", textID, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update text %d status: %w", textID, res.Error)
	}
	if res.RowsAffected == 0 {
		log.Printf("[transitionText] lost race on text %d (%s -> %s)", textID, from, to)
		return fmt.Errorf("%w: text %d no longer in status %s", ErrStateConflict, textID, from)
	}
	return nil
}

// claimText atomically assigns a text to an annotator and advances it to
// progress. The claim succeeds only if the text is still initialized and
// unclaimed; a false return means another actor won the race.
func claimText(db *gorm.DB, textID, userID uint) (bool, error) {
	res := db.Model(&model.Text{}).
		Where("id = ? AND status = ? AND annotator_id IS NULL", textID, model.StatusInitialized).
		Updates(map[string]interface{}{
			"status":       model.StatusProgress,
			"annotator_id": userID,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim text %d: %w", textID, res.Error)
	}
	return res.RowsAffected == 1, nil
}
