package controller

import (
	"errors"
	"net/http"
	"strconv"

	model "github.com/pecha-tools/annotation-backend/models"
	services "github.com/pecha-tools/annotation-backend/service"

	"github.com/gin-gonic/gin"
)

// respondError maps the service error taxonomy onto HTTP status codes so the
// frontend can react differently per class (redirect, toast, retry).
func respondError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		ctx.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrPermissionDenied):
		ctx.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrStateConflict):
		ctx.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrValidation):
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrNoWorkAvailable):
		ctx.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// paramID parses a numeric path parameter; a false return means the response
// has been written already.
func paramID(ctx *gin.Context, name string) (uint, bool) {
	raw := ctx.Param(name)
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name + " parameter"})
		return 0, false
	}
	return uint(id), true
}

// noWorkMessage maps the empty-pool outcome to role-specific guidance.
func noWorkMessage(role model.Role) string {
	switch role {
	case model.RoleUser:
		return "No texts available for annotation. Please upload a text file first."
	case model.RoleAnnotator:
		return "No system texts available for annotation at this time. Contact your administrator."
	default:
		return "No texts available for annotation at this time"
	}
}
