package controller

import (
	"net/http"

	services "github.com/pecha-tools/annotation-backend/service"

	"github.com/gin-gonic/gin"

	"github.com/pecha-tools/annotation-backend/middleware"
)

// ReviewController handles the review consensus endpoints.
type ReviewController struct {
	reviews *services.ReviewService
}

// NewReviewController initializes the controller with the service
func NewReviewController(reviews *services.ReviewService) *ReviewController {
	return &ReviewController{reviews}
}

// GetTextsForReview lists annotated texts the caller may review.
func (rc *ReviewController) GetTextsForReview(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)

	texts, err := rc.reviews.GetTextsForReview(user, intQuery(ctx, "skip", 0), intQuery(ctx, "limit", 100))
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"texts": texts,
		"total": len(texts),
	})
}

// StartReviewSession loads a text with its annotations and review state.
func (rc *ReviewController) StartReviewSession(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}

	session, err := rc.reviews.StartReviewSession(user, id)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, session)
}

// GetReviewStatus reports the caller's completion state for a text.
func (rc *ReviewController) GetReviewStatus(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}

	status, err := rc.reviews.GetReviewStatus(user, id)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, status)
}

// SubmitReview records decisions for every annotation on a text at once.
func (rc *ReviewController) SubmitReview(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)

	var body struct {
		TextID    uint                      `json:"text_id" binding:"required"`
		Decisions []services.ReviewDecision `json:"decisions" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := rc.reviews.SubmitReview(user, body.TextID, body.Decisions)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, outcome)
}

// ReviewAnnotation records a single agree or disagree decision.
func (rc *ReviewController) ReviewAnnotation(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}

	var body struct {
		Decision string `json:"decision" binding:"required"`
		Comment  string `json:"comment"`
	}
	if err := ctx.ShouldBindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	review, err := rc.reviews.ReviewAnnotation(user, id, body.Decision, body.Comment)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, review)
}

// GetAnnotationReviews lists the reviews recorded on one annotation.
func (rc *ReviewController) GetAnnotationReviews(ctx *gin.Context) {
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}

	reviews, err := rc.reviews.GetAnnotationReviews(id)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"reviews": reviews,
		"total":   len(reviews),
	})
}

// DeleteReview withdraws the caller's own review.
func (rc *ReviewController) DeleteReview(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}

	if err := rc.reviews.DeleteReview(user, id); err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"message": "Review deleted successfully"})
}

// GetReviewerStats returns the caller's review counters.
func (rc *ReviewController) GetReviewerStats(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)

	stats, err := rc.reviews.GetReviewerStats(user.ID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, stats)
}

// GetMyReviewProgress lists the caller's in-flight review assignments with
// completion counters.
func (rc *ReviewController) GetMyReviewProgress(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)

	progress, err := rc.reviews.GetMyReviewProgress(user)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"texts": progress,
		"total": len(progress),
	})
}

// GetMyReviews lists the caller's own review decisions.
func (rc *ReviewController) GetMyReviews(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)

	reviews, err := rc.reviews.GetMyReviews(user, intQuery(ctx, "skip", 0), intQuery(ctx, "limit", 100))
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"reviews": reviews,
		"total":   len(reviews),
	})
}

// GetReviewedWork lists the caller's texts that came back from review, with
// the decisions each annotation received.
func (rc *ReviewController) GetReviewedWork(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)

	work, err := rc.reviews.GetReviewedWork(user, intQuery(ctx, "skip", 0), intQuery(ctx, "limit", 100))
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"texts": work,
		"total": len(work),
	})
}

// GetTextsNeedingRevision lists the caller's texts sent back by reviewers.
func (rc *ReviewController) GetTextsNeedingRevision(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)

	texts, err := rc.reviews.GetTextsNeedingRevision(user, intQuery(ctx, "skip", 0), intQuery(ctx, "limit", 100))
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"texts": texts,
		"total": len(texts),
	})
}
