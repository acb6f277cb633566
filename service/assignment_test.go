package services

import (
	"errors"
	"testing"

	model "github.com/pecha-tools/annotation-backend/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartWork(t *testing.T) {
	t.Run("Annotator Claims Lowest Id First", func(t *testing.T) {
		db := setupTestDB(t)
		svc := newTestTextService(db)
		annotator := seedUser(t, db, "annotator-a", model.RoleAnnotator)
		first := seedPoolText(t, db, "Pool One", "content one")
		seedPoolText(t, db, "Pool Two", "content two")

		text, err := svc.StartWork(annotator)
		require.NoError(t, err)
		assert.Equal(t, first.ID, text.ID)
		assert.Equal(t, model.StatusProgress, text.Status)
		require.NotNil(t, text.AnnotatorID)
		assert.Equal(t, annotator.ID, *text.AnnotatorID)
	})

	t.Run("Resumes Held Text Instead Of Claiming", func(t *testing.T) {
		db := setupTestDB(t)
		svc := newTestTextService(db)
		annotator := seedUser(t, db, "annotator-b", model.RoleAnnotator)
		seedPoolText(t, db, "Pool One", "content one")
		seedPoolText(t, db, "Pool Two", "content two")

		held, err := svc.StartWork(annotator)
		require.NoError(t, err)
		again, err := svc.StartWork(annotator)
		require.NoError(t, err)
		assert.Equal(t, held.ID, again.ID)

		var inProgress int64
		require.NoError(t, db.Model(&model.Text{}).
			Where("status = ?", model.StatusProgress).Count(&inProgress).Error)
		assert.Equal(t, int64(1), inProgress)
	})

	t.Run("Two Annotators Never Share A Text", func(t *testing.T) {
		db := setupTestDB(t)
		svc := newTestTextService(db)
		alice := seedUser(t, db, "annotator-alice", model.RoleAnnotator)
		bob := seedUser(t, db, "annotator-bob", model.RoleAnnotator)
		seedPoolText(t, db, "Pool One", "content one")
		seedPoolText(t, db, "Pool Two", "content two")

		aliceText, err := svc.StartWork(alice)
		require.NoError(t, err)
		bobText, err := svc.StartWork(bob)
		require.NoError(t, err)
		assert.NotEqual(t, aliceText.ID, bobText.ID)
	})

	t.Run("Self Service User Gets Own Uploads Only", func(t *testing.T) {
		db := setupTestDB(t)
		svc := newTestTextService(db)
		user := seedUser(t, db, "uploader", model.RoleUser)
		seedPoolText(t, db, "Pool Text", "pool content")

		_, err := svc.StartWork(user)
		assert.True(t, errors.Is(err, ErrNoWorkAvailable))
	})

	t.Run("Empty Pool", func(t *testing.T) {
		db := setupTestDB(t)
		svc := newTestTextService(db)
		annotator := seedUser(t, db, "annotator-c", model.RoleAnnotator)

		_, err := svc.StartWork(annotator)
		assert.True(t, errors.Is(err, ErrNoWorkAvailable))
	})
}

func TestSkipText(t *testing.T) {
	t.Run("Skip Records Rejection And Hands Out Next", func(t *testing.T) {
		db := setupTestDB(t)
		svc := newTestTextService(db)
		annotator := seedUser(t, db, "skipper", model.RoleAnnotator)
		first := seedPoolText(t, db, "Skip Me", "content one")
		second := seedPoolText(t, db, "Next Up", "content two")

		held, err := svc.StartWork(annotator)
		require.NoError(t, err)
		require.Equal(t, first.ID, held.ID)

		next, err := svc.SkipText(annotator)
		require.NoError(t, err)
		assert.Equal(t, second.ID, next.ID)

		skipped := reloadText(t, db, first.ID)
		assert.Equal(t, model.StatusInitialized, skipped.Status)
		assert.Nil(t, skipped.AnnotatorID)

		var ledger int64
		require.NoError(t, db.Model(&model.UserRejectedText{}).
			Where("user_id = ? AND text_id = ?", annotator.ID, first.ID).
			Count(&ledger).Error)
		assert.Equal(t, int64(1), ledger)
	})

	t.Run("Skipped Text Is Never Offered Again", func(t *testing.T) {
		db := setupTestDB(t)
		svc := newTestTextService(db)
		annotator := seedUser(t, db, "skipper-two", model.RoleAnnotator)
		rejected := seedPoolText(t, db, "Rejected Once", "content")

		_, err := svc.StartWork(annotator)
		require.NoError(t, err)
		_, err = svc.SkipText(annotator)
		assert.True(t, errors.Is(err, ErrNoWorkAvailable))

		// The text is back in the pool but invisible to its rejector.
		assert.Equal(t, model.StatusInitialized, reloadText(t, db, rejected.ID).Status)
		_, err = svc.StartWork(annotator)
		assert.True(t, errors.Is(err, ErrNoWorkAvailable))
	})

	t.Run("Skipped Text Stays Available To Others", func(t *testing.T) {
		db := setupTestDB(t)
		svc := newTestTextService(db)
		skipper := seedUser(t, db, "skipper-three", model.RoleAnnotator)
		other := seedUser(t, db, "diligent", model.RoleAnnotator)
		text := seedPoolText(t, db, "Shared Pool Text", "content")

		_, err := svc.StartWork(skipper)
		require.NoError(t, err)
		_, err = svc.SkipText(skipper)
		assert.True(t, errors.Is(err, ErrNoWorkAvailable))

		got, err := svc.StartWork(other)
		require.NoError(t, err)
		assert.Equal(t, text.ID, got.ID)
	})

	t.Run("Skip Without Held Text", func(t *testing.T) {
		db := setupTestDB(t)
		svc := newTestTextService(db)
		annotator := seedUser(t, db, "idle-skipper", model.RoleAnnotator)

		_, err := svc.SkipText(annotator)
		assert.True(t, errors.Is(err, ErrNoWorkAvailable))
	})
}

func TestCancelWork(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestTextService(db)
	annotator := seedUser(t, db, "canceller", model.RoleAnnotator)
	stranger := seedUser(t, db, "stranger", model.RoleAnnotator)
	seedPoolText(t, db, "Cancellable", "content")

	held, err := svc.StartWork(annotator)
	require.NoError(t, err)

	t.Run("Only The Annotator May Cancel", func(t *testing.T) {
		err := svc.CancelWork(stranger, held.ID)
		assert.True(t, errors.Is(err, ErrPermissionDenied))
	})

	t.Run("Cancel Releases Without A Ledger Entry", func(t *testing.T) {
		require.NoError(t, svc.CancelWork(annotator, held.ID))

		got := reloadText(t, db, held.ID)
		assert.Equal(t, model.StatusInitialized, got.Status)
		assert.Nil(t, got.AnnotatorID)

		var ledger int64
		require.NoError(t, db.Model(&model.UserRejectedText{}).Count(&ledger).Error)
		assert.Zero(t, ledger)

		// Cancelled texts come right back to the same user.
		again, err := svc.StartWork(annotator)
		require.NoError(t, err)
		assert.Equal(t, held.ID, again.ID)
	})

	t.Run("Cancel Needs Progress Status", func(t *testing.T) {
		held, err := svc.StartWork(annotator)
		require.NoError(t, err)
		_, _, err = svc.SubmitTask(annotator, held.ID)
		require.NoError(t, err)

		err = svc.CancelWork(annotator, held.ID)
		assert.True(t, errors.Is(err, ErrStateConflict))
	})
}

func TestSubmitTask(t *testing.T) {
	t.Run("Submit Promotes And Hands Out Next", func(t *testing.T) {
		db := setupTestDB(t)
		svc := newTestTextService(db)
		annotator := seedUser(t, db, "submitter", model.RoleAnnotator)
		seedPoolText(t, db, "First Task", "content one")
		followup := seedPoolText(t, db, "Second Task", "content two")

		held, err := svc.StartWork(annotator)
		require.NoError(t, err)

		submitted, next, err := svc.SubmitTask(annotator, held.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusAnnotated, submitted.Status)
		require.NotNil(t, next)
		assert.Equal(t, followup.ID, next.ID)
		assert.Equal(t, model.StatusProgress, next.Status)
	})

	t.Run("Exhausted Pool Returns No Next Text", func(t *testing.T) {
		db := setupTestDB(t)
		svc := newTestTextService(db)
		annotator := seedUser(t, db, "submitter-two", model.RoleAnnotator)
		seedPoolText(t, db, "Only Task", "content")

		held, err := svc.StartWork(annotator)
		require.NoError(t, err)

		submitted, next, err := svc.SubmitTask(annotator, held.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusAnnotated, submitted.Status)
		assert.Nil(t, next)
	})

	t.Run("Submit Requires The Assignment", func(t *testing.T) {
		db := setupTestDB(t)
		svc := newTestTextService(db)
		annotator := seedUser(t, db, "submitter-three", model.RoleAnnotator)
		stranger := seedUser(t, db, "submitter-stranger", model.RoleAnnotator)
		seedPoolText(t, db, "Guarded Task", "content")

		held, err := svc.StartWork(annotator)
		require.NoError(t, err)

		_, _, err = svc.SubmitTask(stranger, held.ID)
		assert.True(t, errors.Is(err, ErrPermissionDenied))
	})
}

func TestRevertWork(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestTextService(db)
	annotator := seedUser(t, db, "reverter", model.RoleAnnotator)

	submitAnnotated := func(t *testing.T, title string) *model.Text {
		t.Helper()
		seedPoolText(t, db, title, "revert target content")
		held, err := svc.StartWork(annotator)
		require.NoError(t, err)
		seedAnnotation(t, db, held.ID, &annotator.ID, 0, 6)
		submitted, _, err := svc.SubmitTask(annotator, held.ID)
		require.NoError(t, err)
		return submitted
	}

	t.Run("Revert Deletes Spans And Reopens", func(t *testing.T) {
		text := submitAnnotated(t, "Revert One")

		removed, err := svc.RevertWork(annotator, text.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)

		got := reloadText(t, db, text.ID)
		assert.Equal(t, model.StatusInitialized, got.Status)
		assert.Nil(t, got.AnnotatorID)

		var spans int64
		require.NoError(t, db.Model(&model.Annotation{}).Where("text_id = ?", text.ID).Count(&spans).Error)
		assert.Zero(t, spans)
	})

	t.Run("Revert Needs At Least One Owned Span", func(t *testing.T) {
		text := submitAnnotated(t, "Revert Two")
		require.NoError(t, db.Where("text_id = ?", text.ID).Delete(&model.Annotation{}).Error)

		_, err := svc.RevertWork(annotator, text.ID)
		assert.True(t, errors.Is(err, ErrStateConflict))
	})

	t.Run("Revert Needs Completed Work", func(t *testing.T) {
		seedPoolText(t, db, "Revert Three", "content")
		held, err := svc.StartWork(annotator)
		require.NoError(t, err)

		_, err = svc.RevertWork(annotator, held.ID)
		assert.True(t, errors.Is(err, ErrStateConflict))
		require.NoError(t, svc.CancelWork(annotator, held.ID))
	})
}

func TestReopenTask(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestTextService(db)
	annotator := seedUser(t, db, "reopener", model.RoleAnnotator)
	seedPoolText(t, db, "Reopen Target", "content")

	held, err := svc.StartWork(annotator)
	require.NoError(t, err)
	submitted, _, err := svc.SubmitTask(annotator, held.ID)
	require.NoError(t, err)

	t.Run("Reopen From Needs Revision", func(t *testing.T) {
		require.NoError(t, transitionText(db, submitted.ID, model.StatusAnnotated, model.StatusReviewedNeedsRevision, nil))

		text, err := svc.ReopenTask(annotator, submitted.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusAnnotated, text.Status)
	})

	t.Run("Reopen Requires The Original Annotator", func(t *testing.T) {
		stranger := seedUser(t, db, "reopen-stranger", model.RoleAnnotator)
		_, err := svc.ReopenTask(stranger, submitted.ID)
		assert.True(t, errors.Is(err, ErrPermissionDenied))
	})
}

func TestGetTextsForAnnotation(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestTextService(db)
	annotator := seedUser(t, db, "lister", model.RoleAnnotator)
	uploader := seedUser(t, db, "list-uploader", model.RoleUser)

	pool := seedPoolText(t, db, "Open Pool Text", "content")
	seedUserText(t, db, "Private Upload", "content", uploader.ID)
	needsRevision := seedPoolText(t, db, "Came Back", "content")
	require.NoError(t, db.Model(&model.Text{}).Where("id = ?", needsRevision.ID).
		Update("status", model.StatusReviewedNeedsRevision).Error)

	t.Run("Annotator Sees Pool Only", func(t *testing.T) {
		texts, err := svc.GetTextsForAnnotation(annotator, 0, 0)
		require.NoError(t, err)
		ids := make([]uint, 0, len(texts))
		for _, text := range texts {
			ids = append(ids, text.ID)
		}
		assert.ElementsMatch(t, []uint{pool.ID, needsRevision.ID}, ids)
	})

	t.Run("User Sees Own Uploads Only", func(t *testing.T) {
		texts, err := svc.GetTextsForAnnotation(uploader, 0, 0)
		require.NoError(t, err)
		require.Len(t, texts, 1)
		assert.Equal(t, "Private Upload", texts[0].Title)
	})
}
