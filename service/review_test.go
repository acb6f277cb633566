package services

import (
	"errors"
	"testing"

	model "github.com/pecha-tools/annotation-backend/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// seedAnnotatedText creates an annotated pool text with spans owned by the
// annotator, ready for review.
func seedAnnotatedText(t *testing.T, db *gorm.DB, title string, annotatorID uint, spans int) (*model.Text, []uint) {
	t.Helper()
	text := &model.Text{
		Title:       title,
		Content:     "the quick brown fox jumps over the lazy dog",
		Language:    "en",
		Status:      model.StatusAnnotated,
		AnnotatorID: &annotatorID,
	}
	require.NoError(t, db.Create(text).Error)

	ids := make([]uint, 0, spans)
	for i := 0; i < spans; i++ {
		annotation := seedAnnotation(t, db, text.ID, &annotatorID, i, i+3)
		ids = append(ids, annotation.ID)
	}
	return text, ids
}

func TestSubmitReview(t *testing.T) {
	t.Run("All Agreed Marks Reviewed", func(t *testing.T) {
		db := setupTestDB(t)
		svc := NewReviewService(db, newTestTextService(db))
		annotator := seedUser(t, db, "review-author", model.RoleAnnotator)
		reviewer := seedUser(t, db, "review-approver", model.RoleReviewer)
		text, ids := seedAnnotatedText(t, db, "Clean Sheet", annotator.ID, 2)

		outcome, err := svc.SubmitReview(reviewer, text.ID, []ReviewDecision{
			{AnnotationID: ids[0], Decision: model.DecisionAgree},
			{AnnotationID: ids[1], Decision: model.DecisionAgree},
		})
		require.NoError(t, err)
		assert.Equal(t, model.StatusReviewed, outcome.Status)
		assert.Equal(t, 2, outcome.TotalReviews)

		got := reloadText(t, db, text.ID)
		assert.Equal(t, model.StatusReviewed, got.Status)
		require.NotNil(t, got.ReviewerID)
		assert.Equal(t, reviewer.ID, *got.ReviewerID)
	})

	t.Run("One Disagreement Sends It Back", func(t *testing.T) {
		db := setupTestDB(t)
		svc := NewReviewService(db, newTestTextService(db))
		annotator := seedUser(t, db, "review-author-two", model.RoleAnnotator)
		reviewer := seedUser(t, db, "review-critic", model.RoleReviewer)
		text, ids := seedAnnotatedText(t, db, "Needs Work", annotator.ID, 3)

		outcome, err := svc.SubmitReview(reviewer, text.ID, []ReviewDecision{
			{AnnotationID: ids[0], Decision: model.DecisionAgree},
			{AnnotationID: ids[1], Decision: model.DecisionDisagree, Comment: "wrong span"},
			{AnnotationID: ids[2], Decision: model.DecisionAgree},
		})
		require.NoError(t, err)
		assert.Equal(t, model.StatusReviewedNeedsRevision, outcome.Status)
		assert.Equal(t, model.StatusReviewedNeedsRevision, reloadText(t, db, text.ID).Status)
	})

	t.Run("Incomplete Decision Set Is Rejected Whole", func(t *testing.T) {
		db := setupTestDB(t)
		svc := NewReviewService(db, newTestTextService(db))
		annotator := seedUser(t, db, "review-author-three", model.RoleAnnotator)
		reviewer := seedUser(t, db, "review-partial", model.RoleReviewer)
		text, ids := seedAnnotatedText(t, db, "Half Done", annotator.ID, 2)

		_, err := svc.SubmitReview(reviewer, text.ID, []ReviewDecision{
			{AnnotationID: ids[0], Decision: model.DecisionAgree},
		})
		assert.True(t, errors.Is(err, ErrValidation))

		// Nothing landed: no reviews, status untouched.
		var count int64
		require.NoError(t, db.Model(&model.AnnotationReview{}).Count(&count).Error)
		assert.Zero(t, count)
		assert.Equal(t, model.StatusAnnotated, reloadText(t, db, text.ID).Status)
	})

	t.Run("Duplicate Decisions Do Not Mask Missing Ones", func(t *testing.T) {
		db := setupTestDB(t)
		svc := NewReviewService(db, newTestTextService(db))
		annotator := seedUser(t, db, "review-author-dup", model.RoleAnnotator)
		reviewer := seedUser(t, db, "review-doubled", model.RoleReviewer)
		text, ids := seedAnnotatedText(t, db, "Doubled Up", annotator.ID, 2)

		// Two decisions for the same annotation match the expected count but
		// leave the other annotation unreviewed.
		_, err := svc.SubmitReview(reviewer, text.ID, []ReviewDecision{
			{AnnotationID: ids[0], Decision: model.DecisionAgree},
			{AnnotationID: ids[0], Decision: model.DecisionAgree},
		})
		assert.True(t, errors.Is(err, ErrValidation))

		var count int64
		require.NoError(t, db.Model(&model.AnnotationReview{}).Count(&count).Error)
		assert.Zero(t, count)
		assert.Equal(t, model.StatusAnnotated, reloadText(t, db, text.ID).Status)
	})

	t.Run("Foreign Annotation Id Is Rejected", func(t *testing.T) {
		db := setupTestDB(t)
		svc := NewReviewService(db, newTestTextService(db))
		annotator := seedUser(t, db, "review-author-four", model.RoleAnnotator)
		reviewer := seedUser(t, db, "review-foreign", model.RoleReviewer)
		text, ids := seedAnnotatedText(t, db, "Target Text", annotator.ID, 1)
		_, otherIDs := seedAnnotatedText(t, db, "Other Text", annotator.ID, 1)
		_ = ids

		_, err := svc.SubmitReview(reviewer, text.ID, []ReviewDecision{
			{AnnotationID: otherIDs[0], Decision: model.DecisionAgree},
		})
		assert.True(t, errors.Is(err, ErrValidation))
	})

	t.Run("Invalid Decision Value", func(t *testing.T) {
		db := setupTestDB(t)
		svc := NewReviewService(db, newTestTextService(db))
		annotator := seedUser(t, db, "review-author-five", model.RoleAnnotator)
		reviewer := seedUser(t, db, "review-typo", model.RoleReviewer)
		text, ids := seedAnnotatedText(t, db, "Typo Text", annotator.ID, 1)

		_, err := svc.SubmitReview(reviewer, text.ID, []ReviewDecision{
			{AnnotationID: ids[0], Decision: "maybe"},
		})
		assert.True(t, errors.Is(err, ErrValidation))
	})

	t.Run("Text Must Be Annotated", func(t *testing.T) {
		db := setupTestDB(t)
		svc := NewReviewService(db, newTestTextService(db))
		reviewer := seedUser(t, db, "review-early", model.RoleReviewer)
		text := seedPoolText(t, db, "Too Early", "content")

		_, err := svc.SubmitReview(reviewer, text.ID, nil)
		assert.True(t, errors.Is(err, ErrStateConflict))
	})

	t.Run("Annotator Role Cannot Review", func(t *testing.T) {
		db := setupTestDB(t)
		svc := NewReviewService(db, newTestTextService(db))
		annotator := seedUser(t, db, "review-author-six", model.RoleAnnotator)
		text, ids := seedAnnotatedText(t, db, "Role Gate", annotator.ID, 1)

		_, err := svc.SubmitReview(annotator, text.ID, []ReviewDecision{
			{AnnotationID: ids[0], Decision: model.DecisionAgree},
		})
		assert.True(t, errors.Is(err, ErrPermissionDenied))
	})

	t.Run("Resubmission After Revision Overwrites Decisions", func(t *testing.T) {
		db := setupTestDB(t)
		svc := NewReviewService(db, newTestTextService(db))
		annotator := seedUser(t, db, "review-author-seven", model.RoleAnnotator)
		reviewer := seedUser(t, db, "review-second-pass", model.RoleReviewer)
		text, ids := seedAnnotatedText(t, db, "Second Pass", annotator.ID, 1)

		_, err := svc.SubmitReview(reviewer, text.ID, []ReviewDecision{
			{AnnotationID: ids[0], Decision: model.DecisionDisagree, Comment: "redo"},
		})
		require.NoError(t, err)

		// The annotator reworks and resubmits the text.
		require.NoError(t, transitionText(db, text.ID, model.StatusReviewedNeedsRevision, model.StatusAnnotated, nil))

		outcome, err := svc.SubmitReview(reviewer, text.ID, []ReviewDecision{
			{AnnotationID: ids[0], Decision: model.DecisionAgree},
		})
		require.NoError(t, err)
		assert.Equal(t, model.StatusReviewed, outcome.Status)

		// Upsert, not append: still one review per (annotation, reviewer).
		var count int64
		require.NoError(t, db.Model(&model.AnnotationReview{}).
			Where("annotation_id = ? AND reviewer_id = ?", ids[0], reviewer.ID).
			Count(&count).Error)
		assert.Equal(t, int64(1), count)
	})
}

func TestGetTextsForReview(t *testing.T) {
	db := setupTestDB(t)
	svc := NewReviewService(db, newTestTextService(db))
	annotator := seedUser(t, db, "queue-author", model.RoleAnnotator)
	reviewer := seedUser(t, db, "queue-reviewer", model.RoleReviewer)
	uploader := seedUser(t, db, "queue-uploader", model.RoleUser)

	ready, _ := seedAnnotatedText(t, db, "Ready For Review", annotator.ID, 1)
	selfAnnotated, _ := seedAnnotatedText(t, db, "Reviewer's Own Work", reviewer.ID, 1)
	seedPoolText(t, db, "Still Initialized", "content")
	selfService := seedUserText(t, db, "Self Service", "content", uploader.ID)
	require.NoError(t, db.Model(&model.Text{}).Where("id = ?", selfService.ID).
		Update("status", model.StatusAnnotated).Error)

	texts, err := svc.GetTextsForReview(reviewer, 0, 0)
	require.NoError(t, err)
	require.Len(t, texts, 1)
	assert.Equal(t, ready.ID, texts[0].ID)
	assert.NotEqual(t, selfAnnotated.ID, texts[0].ID)
}

func TestReviewAnnotation(t *testing.T) {
	db := setupTestDB(t)
	svc := NewReviewService(db, newTestTextService(db))
	annotator := seedUser(t, db, "single-author", model.RoleAnnotator)
	reviewer := seedUser(t, db, "single-reviewer", model.RoleReviewer)
	_, ids := seedAnnotatedText(t, db, "Single Decision", annotator.ID, 1)

	t.Run("Records A Decision", func(t *testing.T) {
		review, err := svc.ReviewAnnotation(reviewer, ids[0], model.DecisionDisagree, "off by one")
		require.NoError(t, err)
		assert.Equal(t, model.DecisionDisagree, review.Decision)
	})

	t.Run("Resubmitting Overwrites", func(t *testing.T) {
		review, err := svc.ReviewAnnotation(reviewer, ids[0], model.DecisionAgree, "")
		require.NoError(t, err)
		assert.Equal(t, model.DecisionAgree, review.Decision)

		var count int64
		require.NoError(t, db.Model(&model.AnnotationReview{}).Count(&count).Error)
		assert.Equal(t, int64(1), count)
	})

	t.Run("Unknown Annotation", func(t *testing.T) {
		_, err := svc.ReviewAnnotation(reviewer, 9999, model.DecisionAgree, "")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("Annotator Role Is Rejected", func(t *testing.T) {
		_, err := svc.ReviewAnnotation(annotator, ids[0], model.DecisionAgree, "")
		assert.True(t, errors.Is(err, ErrPermissionDenied))
	})
}

func TestGetReviewStatus(t *testing.T) {
	db := setupTestDB(t)
	svc := NewReviewService(db, newTestTextService(db))
	annotator := seedUser(t, db, "status-author", model.RoleAnnotator)
	reviewer := seedUser(t, db, "status-reviewer", model.RoleReviewer)
	text, ids := seedAnnotatedText(t, db, "Status Target", annotator.ID, 3)

	_, err := svc.ReviewAnnotation(reviewer, ids[0], model.DecisionAgree, "")
	require.NoError(t, err)

	status, err := svc.GetReviewStatus(reviewer, text.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, status.TotalAnnotations)
	assert.Equal(t, 1, status.ReviewedAnnotations)
	assert.Equal(t, 2, status.PendingAnnotations)
	assert.False(t, status.IsComplete)
}

func TestStartReviewSession(t *testing.T) {
	db := setupTestDB(t)
	svc := NewReviewService(db, newTestTextService(db))
	annotator := seedUser(t, db, "session-author", model.RoleAnnotator)
	reviewer := seedUser(t, db, "session-reviewer", model.RoleReviewer)
	text, ids := seedAnnotatedText(t, db, "Session Target", annotator.ID, 2)

	_, err := svc.ReviewAnnotation(reviewer, ids[0], model.DecisionDisagree, "too broad")
	require.NoError(t, err)

	session, err := svc.StartReviewSession(reviewer, text.ID)
	require.NoError(t, err)
	assert.Equal(t, text.ID, session.TextID)
	require.Len(t, session.Annotations, 2)

	byID := map[uint]AnnotationReviewState{}
	for _, state := range session.Annotations {
		byID[state.Annotation.ID] = state
	}
	assert.True(t, byID[ids[0]].Reviewed)
	assert.Equal(t, model.DecisionDisagree, byID[ids[0]].Decision)
	assert.Equal(t, "too broad", byID[ids[0]].Comment)
	assert.False(t, byID[ids[1]].Reviewed)

	// The session records the reviewer on an unassigned text.
	got := reloadText(t, db, text.ID)
	require.NotNil(t, got.ReviewerID)
	assert.Equal(t, reviewer.ID, *got.ReviewerID)
}

func TestDeleteReview(t *testing.T) {
	db := setupTestDB(t)
	annotations := NewAnnotationService(db)
	svc := NewReviewService(db, newTestTextService(db))
	annotator := seedUser(t, db, "unlock-author", model.RoleAnnotator)
	reviewer := seedUser(t, db, "unlock-reviewer", model.RoleReviewer)
	other := seedUser(t, db, "unlock-other", model.RoleReviewer)
	_, ids := seedAnnotatedText(t, db, "Unlock Target", annotator.ID, 1)

	review, err := svc.ReviewAnnotation(reviewer, ids[0], model.DecisionAgree, "")
	require.NoError(t, err)

	t.Run("Only The Author May Delete", func(t *testing.T) {
		err := svc.DeleteReview(other, review.ID)
		assert.True(t, errors.Is(err, ErrPermissionDenied))
	})

	t.Run("Deleting The Endorsement Unlocks The Span", func(t *testing.T) {
		label := "blocked"
		_, err := annotations.UpdateAnnotation(annotator, ids[0], AnnotationUpdateInput{Label: &label})
		assert.True(t, errors.Is(err, ErrStateConflict))

		require.NoError(t, svc.DeleteReview(reviewer, review.ID))

		updated, err := annotations.UpdateAnnotation(annotator, ids[0], AnnotationUpdateInput{Label: &label})
		require.NoError(t, err)
		assert.Equal(t, "blocked", updated.Label)
	})

	t.Run("Missing Review", func(t *testing.T) {
		err := svc.DeleteReview(reviewer, review.ID)
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestGetReviewerStats(t *testing.T) {
	db := setupTestDB(t)
	svc := NewReviewService(db, newTestTextService(db))
	annotator := seedUser(t, db, "stats-author", model.RoleAnnotator)
	reviewer := seedUser(t, db, "stats-reviewer", model.RoleReviewer)

	clean, cleanIDs := seedAnnotatedText(t, db, "Stats Clean", annotator.ID, 2)
	_, err := svc.SubmitReview(reviewer, clean.ID, []ReviewDecision{
		{AnnotationID: cleanIDs[0], Decision: model.DecisionAgree},
		{AnnotationID: cleanIDs[1], Decision: model.DecisionAgree},
	})
	require.NoError(t, err)

	dirty, dirtyIDs := seedAnnotatedText(t, db, "Stats Dirty", annotator.ID, 2)
	_, err = svc.SubmitReview(reviewer, dirty.ID, []ReviewDecision{
		{AnnotationID: dirtyIDs[0], Decision: model.DecisionAgree},
		{AnnotationID: dirtyIDs[1], Decision: model.DecisionDisagree, Comment: "nope"},
	})
	require.NoError(t, err)

	stats, err := svc.GetReviewerStats(reviewer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.TotalReviews)
	assert.Equal(t, int64(3), stats.AgreedReviews)
	assert.Equal(t, int64(1), stats.DisagreedReviews)
	assert.Equal(t, int64(1), stats.TextsReviewed)
	assert.InDelta(t, 75.0, stats.AgreementRate, 0.01)
}

func TestGetTextsNeedingRevision(t *testing.T) {
	db := setupTestDB(t)
	svc := NewReviewService(db, newTestTextService(db))
	annotator := seedUser(t, db, "revision-author", model.RoleAnnotator)
	reviewer := seedUser(t, db, "revision-reviewer", model.RoleReviewer)

	text, ids := seedAnnotatedText(t, db, "Revision Target", annotator.ID, 2)
	_, err := svc.SubmitReview(reviewer, text.ID, []ReviewDecision{
		{AnnotationID: ids[0], Decision: model.DecisionDisagree, Comment: "split this span"},
		{AnnotationID: ids[1], Decision: model.DecisionAgree},
	})
	require.NoError(t, err)
	seedAnnotatedText(t, db, "Untouched By Review", annotator.ID, 1)

	summaries, err := svc.GetTextsNeedingRevision(annotator, 0, 0)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, text.ID, summaries[0].TextID)
	assert.Equal(t, int64(2), summaries[0].TotalAnnotations)
	assert.Equal(t, 1, summaries[0].DisagreeCount)
	assert.Equal(t, []string{"split this span"}, summaries[0].DisagreeComments)
}

func TestGetMyReviewProgress(t *testing.T) {
	db := setupTestDB(t)
	svc := NewReviewService(db, newTestTextService(db))
	annotator := seedUser(t, db, "progress-author", model.RoleAnnotator)
	reviewer := seedUser(t, db, "progress-reviewer", model.RoleReviewer)
	other := seedUser(t, db, "progress-other", model.RoleReviewer)

	halfway, halfwayIDs := seedAnnotatedText(t, db, "Halfway There", annotator.ID, 2)
	untouched, _ := seedAnnotatedText(t, db, "Not Started", annotator.ID, 1)
	done, doneIDs := seedAnnotatedText(t, db, "Already Submitted", annotator.ID, 1)
	foreign, _ := seedAnnotatedText(t, db, "Someone Else's", annotator.ID, 1)

	_, err := svc.StartReviewSession(reviewer, halfway.ID)
	require.NoError(t, err)
	_, err = svc.ReviewAnnotation(reviewer, halfwayIDs[0], model.DecisionAgree, "")
	require.NoError(t, err)

	_, err = svc.StartReviewSession(reviewer, untouched.ID)
	require.NoError(t, err)

	_, err = svc.SubmitReview(reviewer, done.ID, []ReviewDecision{
		{AnnotationID: doneIDs[0], Decision: model.DecisionAgree},
	})
	require.NoError(t, err)

	_, err = svc.StartReviewSession(other, foreign.ID)
	require.NoError(t, err)

	progress, err := svc.GetMyReviewProgress(reviewer)
	require.NoError(t, err)
	require.Len(t, progress, 2)

	byText := map[uint]ReviewProgress{}
	for _, entry := range progress {
		byText[entry.TextID] = entry
	}
	require.Contains(t, byText, halfway.ID)
	assert.Equal(t, int64(2), byText[halfway.ID].AnnotationCount)
	assert.Equal(t, int64(1), byText[halfway.ID].ReviewedCount)
	assert.InDelta(t, 50.0, byText[halfway.ID].ProgressPercentage, 0.01)
	assert.False(t, byText[halfway.ID].IsComplete)

	require.Contains(t, byText, untouched.ID)
	assert.Equal(t, int64(1), byText[untouched.ID].AnnotationCount)
	assert.Zero(t, byText[untouched.ID].ReviewedCount)
	assert.Zero(t, byText[untouched.ID].ProgressPercentage)

	// Submitted and foreign assignments never show up.
	assert.NotContains(t, byText, done.ID)
	assert.NotContains(t, byText, foreign.ID)
}

func TestGetMyReviews(t *testing.T) {
	db := setupTestDB(t)
	svc := NewReviewService(db, newTestTextService(db))
	annotator := seedUser(t, db, "ledger-author", model.RoleAnnotator)
	reviewer := seedUser(t, db, "ledger-reviewer", model.RoleReviewer)
	other := seedUser(t, db, "ledger-other", model.RoleReviewer)

	text, ids := seedAnnotatedText(t, db, "Ledger Target", annotator.ID, 2)
	_, err := svc.SubmitReview(reviewer, text.ID, []ReviewDecision{
		{AnnotationID: ids[0], Decision: model.DecisionAgree},
		{AnnotationID: ids[1], Decision: model.DecisionDisagree, Comment: "retighten"},
	})
	require.NoError(t, err)

	_, otherIDs := seedAnnotatedText(t, db, "Ledger Foreign", annotator.ID, 1)
	_, err = svc.ReviewAnnotation(other, otherIDs[0], model.DecisionAgree, "")
	require.NoError(t, err)

	reviews, err := svc.GetMyReviews(reviewer, 0, 0)
	require.NoError(t, err)
	require.Len(t, reviews, 2)
	for _, review := range reviews {
		assert.Equal(t, reviewer.ID, review.ReviewerID)
	}

	paged, err := svc.GetMyReviews(reviewer, 0, 1)
	require.NoError(t, err)
	assert.Len(t, paged, 1)
}

func TestGetReviewedWork(t *testing.T) {
	db := setupTestDB(t)
	svc := NewReviewService(db, newTestTextService(db))
	annotator := seedUser(t, db, "work-author", model.RoleAnnotator)
	peer := seedUser(t, db, "work-peer", model.RoleAnnotator)
	reviewer := seedUser(t, db, "work-reviewer", model.RoleReviewer)

	mixed, mixedIDs := seedAnnotatedText(t, db, "Mixed Verdict", annotator.ID, 2)
	_, err := svc.SubmitReview(reviewer, mixed.ID, []ReviewDecision{
		{AnnotationID: mixedIDs[0], Decision: model.DecisionAgree},
		{AnnotationID: mixedIDs[1], Decision: model.DecisionDisagree, Comment: "shift left"},
	})
	require.NoError(t, err)

	// Still awaiting review, and somebody else's reviewed text.
	seedAnnotatedText(t, db, "Still Waiting", annotator.ID, 1)
	peerText, peerIDs := seedAnnotatedText(t, db, "Peer's Work", peer.ID, 1)
	_, err = svc.SubmitReview(reviewer, peerText.ID, []ReviewDecision{
		{AnnotationID: peerIDs[0], Decision: model.DecisionAgree},
	})
	require.NoError(t, err)

	work, err := svc.GetReviewedWork(annotator, 0, 0)
	require.NoError(t, err)
	require.Len(t, work, 1)
	assert.Equal(t, mixed.ID, work[0].TextID)
	assert.Equal(t, model.StatusReviewedNeedsRevision, work[0].Status)
	assert.Equal(t, 1, work[0].AgreeCount)
	assert.Equal(t, 1, work[0].DisagreeCount)
	require.Len(t, work[0].Annotations, 2)

	byAnnotation := map[uint][]model.AnnotationReview{}
	for _, entry := range work[0].Annotations {
		byAnnotation[entry.Annotation.ID] = entry.Reviews
	}
	require.Len(t, byAnnotation[mixedIDs[1]], 1)
	assert.Equal(t, model.DecisionDisagree, byAnnotation[mixedIDs[1]][0].Decision)
	assert.Equal(t, "shift left", byAnnotation[mixedIDs[1]][0].Comment)
}
