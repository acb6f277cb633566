package controller

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	model "github.com/pecha-tools/annotation-backend/models"
	services "github.com/pecha-tools/annotation-backend/service"

	"github.com/gin-gonic/gin"

	"github.com/pecha-tools/annotation-backend/middleware"
)

// TextController handles text CRUD and the assignment workflow endpoints.
type TextController struct {
	texts *services.TextService
}

// NewTextController initializes the controller with the service
func NewTextController(texts *services.TextService) *TextController {
	return &TextController{texts}
}

// CreateText inserts a text into the corpus.
func (tc *TextController) CreateText(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)

	var in services.TextCreateInput
	if err := ctx.ShouldBindJSON(&in); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	text, err := tc.texts.CreateText(user, in)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, text)
}

// UploadTextFile accepts a plain-text file upload and stores it as a text.
func (tc *TextController) UploadTextFile(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)

	file, header, err := ctx.Request.FormFile("file")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Failed to get file from request"})
		return
	}
	defer file.Close()

	text, err := tc.texts.UploadTextFile(user, file, header, ctx.PostForm("language"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"message": "Text uploaded successfully",
		"text":    text,
	})
}

// ListTexts returns texts matching the query filters.
func (tc *TextController) ListTexts(ctx *gin.Context) {
	filter := services.TextFilter{
		Status:     ctx.Query("status"),
		Language:   ctx.Query("language"),
		UploadedBy: ctx.Query("uploaded_by"),
		Offset:     intQuery(ctx, "skip", 0),
		Limit:      intQuery(ctx, "limit", 100),
	}
	if raw := ctx.Query("reviewer_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid reviewer_id parameter"})
			return
		}
		filter.ReviewerID = uint(id)
	}

	texts, err := tc.texts.ListTexts(filter)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"texts": texts,
		"total": len(texts),
	})
}

// GetText returns a single text, with its annotations when requested.
func (tc *TextController) GetText(ctx *gin.Context) {
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}

	var (
		text *model.Text
		err  error
	)
	if ctx.Query("with_annotations") == "true" {
		text, err = tc.texts.GetTextWithAnnotations(id)
	} else {
		text, err = tc.texts.GetText(id)
	}
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, text)
}

// StartWork resumes held work or claims the next available text.
func (tc *TextController) StartWork(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)

	text, err := tc.texts.StartWork(user)
	if errors.Is(err, services.ErrNoWorkAvailable) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": noWorkMessage(user.Role)})
		return
	}
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, text)
}

// SkipText puts the current text back in the pool and claims the next one.
func (tc *TextController) SkipText(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)

	next, err := tc.texts.SkipText(user)
	if errors.Is(err, services.ErrNoWorkAvailable) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": noWorkMessage(user.Role)})
		return
	}
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, next)
}

// CancelWork releases a held text without recording a rejection.
func (tc *TextController) CancelWork(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}

	if err := tc.texts.CancelWork(user, id); err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"message": "Work cancelled and text returned to the pool"})
}

// RevertWork discards the annotator's annotations and reopens the text.
func (tc *TextController) RevertWork(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}

	removed, err := tc.texts.RevertWork(user, id)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"message":             "Text reverted for re-annotation",
		"annotations_removed": removed,
	})
}

// SubmitTask marks the held text annotated and hands out the next one.
func (tc *TextController) SubmitTask(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}

	submitted, next, err := tc.texts.SubmitTask(user, id)
	if err != nil {
		respondError(ctx, err)
		return
	}
	resp := gin.H{
		"message":   "Task submitted successfully",
		"submitted": submitted,
	}
	if next != nil {
		resp["next_text"] = next
	}
	ctx.JSON(http.StatusOK, resp)
}

// ReopenTask returns a completed text to the annotated state for rework.
func (tc *TextController) ReopenTask(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}

	text, err := tc.texts.ReopenTask(user, id)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, text)
}

// GetWorkInProgress lists the texts the caller currently holds.
func (tc *TextController) GetWorkInProgress(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)

	texts, err := tc.texts.GetWorkInProgressList(user)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"texts": texts,
		"total": len(texts),
	})
}

// GetTextsForAnnotation lists texts the caller could work on next.
func (tc *TextController) GetTextsForAnnotation(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)

	texts, err := tc.texts.GetTextsForAnnotation(user, intQuery(ctx, "skip", 0), intQuery(ctx, "limit", 100))
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"texts": texts,
		"total": len(texts),
	})
}

// UpdateTextStatus force-sets a text's status through the transition rules.
func (tc *TextController) UpdateTextStatus(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}

	var body struct {
		Status string `json:"status" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	text, err := tc.texts.UpdateTextStatus(user, id, body.Status)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, text)
}

// DeleteText permanently removes a text and everything attached to it.
func (tc *TextController) DeleteText(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}

	log.Printf("[DeleteText] user %d deleting text %d", user.ID, id)
	if err := tc.texts.DeleteText(user, id); err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"message": "Text deleted successfully"})
}

// GetStatusOptions lists the recognized workflow statuses.
func (tc *TextController) GetStatusOptions(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"statuses": model.ValidStatuses})
}

// GetStats returns corpus-wide status counts.
func (tc *TextController) GetStats(ctx *gin.Context) {
	stats, err := tc.texts.GetStats()
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, stats)
}

// GetAdminStats returns the admin dashboard counters.
func (tc *TextController) GetAdminStats(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)

	stats, err := tc.texts.GetAdminStats(user)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, stats)
}

// GetRejectedTexts lists the texts the caller has skipped.
func (tc *TextController) GetRejectedTexts(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)

	rejected, err := tc.texts.GetRejectedTexts(user)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"rejected_texts": rejected,
		"total":          len(rejected),
	})
}

// GetUserStats returns the caller's personal work counters.
func (tc *TextController) GetUserStats(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)

	stats, err := tc.texts.GetUserStats(user.ID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, stats)
}

// intQuery reads a non-negative integer query parameter with a default.
func intQuery(ctx *gin.Context, name string, fallback int) int {
	raw := ctx.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
