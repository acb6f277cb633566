package controller

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	services "github.com/pecha-tools/annotation-backend/service"

	"github.com/gin-gonic/gin"

	"github.com/pecha-tools/annotation-backend/middleware"
)

// AnnotationController handles the span annotation endpoints.
type AnnotationController struct {
	annotations *services.AnnotationService
}

// NewAnnotationController initializes the controller with the service
func NewAnnotationController(annotations *services.AnnotationService) *AnnotationController {
	return &AnnotationController{annotations}
}

// CreateAnnotation records a span on a text.
func (ac *AnnotationController) CreateAnnotation(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)

	var in services.AnnotationCreateInput
	if err := ctx.ShouldBindJSON(&in); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	annotation, err := ac.annotations.CreateAnnotation(user, in)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, annotation)
}

// BulkUpload imports JSON files, each holding one text plus its seed
// annotations. Files that fail to parse are reported alongside the per-file
// import results rather than failing the whole request.
func (ac *AnnotationController) BulkUpload(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)

	form, err := ctx.MultipartForm()
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "No files provided"})
		return
	}

	var parsed []services.BulkImportFile
	var rejected []services.BulkImportResult
	for _, header := range headers {
		if !strings.HasSuffix(header.Filename, ".json") {
			rejected = append(rejected, services.BulkImportResult{
				Filename: header.Filename,
				Error:    "Only JSON files are supported",
			})
			continue
		}

		file, err := header.Open()
		if err != nil {
			rejected = append(rejected, services.BulkImportResult{
				Filename: header.Filename,
				Error:    "Failed to read file: " + err.Error(),
			})
			continue
		}
		raw, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			rejected = append(rejected, services.BulkImportResult{
				Filename: header.Filename,
				Error:    "Failed to read file: " + err.Error(),
			})
			continue
		}

		var payload struct {
			Text        services.TextCreateInput       `json:"text"`
			Annotations []services.BulkAnnotationInput `json:"annotations"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			rejected = append(rejected, services.BulkImportResult{
				Filename: header.Filename,
				Error:    "Invalid JSON format: " + err.Error(),
			})
			continue
		}
		parsed = append(parsed, services.BulkImportFile{
			Filename:    header.Filename,
			Text:        payload.Text,
			Annotations: payload.Annotations,
		})
	}

	summary, err := ac.annotations.BulkImport(user, parsed)
	if err != nil {
		respondError(ctx, err)
		return
	}
	summary.TotalFiles = len(headers)
	summary.FailedFiles += len(rejected)
	summary.Results = append(rejected, summary.Results...)
	ctx.JSON(http.StatusOK, summary)
}

// ListAnnotations returns annotations matching the query filters.
func (ac *AnnotationController) ListAnnotations(ctx *gin.Context) {
	filter := services.AnnotationFilter{
		Type:   ctx.Query("annotation_type"),
		Offset: intQuery(ctx, "skip", 0),
		Limit:  intQuery(ctx, "limit", 100),
	}
	if raw := ctx.Query("text_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid text_id parameter"})
			return
		}
		filter.TextID = uint(id)
	}
	if raw := ctx.Query("annotator_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid annotator_id parameter"})
			return
		}
		filter.AnnotatorID = uint(id)
	}

	annotations, err := ac.annotations.ListAnnotations(filter)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"annotations": annotations,
		"total":       len(annotations),
	})
}

// GetMyAnnotations lists the caller's own annotations.
func (ac *AnnotationController) GetMyAnnotations(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)

	annotations, err := ac.annotations.ListAnnotations(services.AnnotationFilter{
		AnnotatorID: user.ID,
		Offset:      intQuery(ctx, "skip", 0),
		Limit:       intQuery(ctx, "limit", 100),
	})
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"annotations": annotations,
		"total":       len(annotations),
	})
}

// GetAnnotation returns one annotation with its endorsement flag.
func (ac *AnnotationController) GetAnnotation(ctx *gin.Context) {
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}

	annotation, err := ac.annotations.GetAnnotation(id)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, annotation)
}

// GetAnnotationsByText returns every annotation on a text.
func (ac *AnnotationController) GetAnnotationsByText(ctx *gin.Context) {
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}

	annotations, err := ac.annotations.GetAnnotationsByText(id)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"annotations": annotations,
		"total":       len(annotations),
	})
}

// UpdateAnnotation edits an annotation's span or labels.
func (ac *AnnotationController) UpdateAnnotation(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}

	var in services.AnnotationUpdateInput
	if err := ctx.ShouldBindJSON(&in); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	annotation, err := ac.annotations.UpdateAnnotation(user, id, in)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, annotation)
}

// DeleteAnnotation removes an annotation and its reviews.
func (ac *AnnotationController) DeleteAnnotation(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}

	if err := ac.annotations.DeleteAnnotation(user, id); err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"message": "Annotation deleted successfully"})
}

// GetAnnotationStats returns per-type and per-level counts for a text.
func (ac *AnnotationController) GetAnnotationStats(ctx *gin.Context) {
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}

	stats, err := ac.annotations.GetAnnotationStats(id)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, stats)
}

// ValidatePositions checks a candidate span against the text content.
func (ac *AnnotationController) ValidatePositions(ctx *gin.Context) {
	var body struct {
		TextID        uint `json:"text_id" binding:"required"`
		StartPosition int  `json:"start_position"`
		EndPosition   int  `json:"end_position"`
	}
	if err := ctx.ShouldBindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	selected, err := ac.annotations.ValidateAnnotationPositions(body.TextID, body.StartPosition, body.EndPosition)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"valid":         true,
		"selected_text": selected,
	})
}
