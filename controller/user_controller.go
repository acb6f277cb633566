package controller

import (
	"net/http"

	model "github.com/pecha-tools/annotation-backend/models"
	services "github.com/pecha-tools/annotation-backend/service"

	"github.com/gin-gonic/gin"

	"github.com/pecha-tools/annotation-backend/middleware"
)

// UserController handles identity and user administration endpoints.
type UserController struct {
	users *services.UserService
}

// NewUserController initializes the controller with the service
func NewUserController(users *services.UserService) *UserController {
	return &UserController{users}
}

// GetMe returns the authenticated user's own record.
func (uc *UserController) GetMe(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, middleware.CurrentUser(ctx))
}

// Register upserts a user record from identity provider claims.
func (uc *UserController) Register(ctx *gin.Context) {
	var claims services.IdentityClaims
	if err := ctx.ShouldBindJSON(&claims); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := uc.users.UpsertBySubject(claims)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, user)
}

// ListUsers returns every user. Admin only.
func (uc *UserController) ListUsers(ctx *gin.Context) {
	actor := middleware.CurrentUser(ctx)

	users, err := uc.users.ListUsers(actor)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"users": users,
		"total": len(users),
	})
}

// UpdateRole changes a user's role. Admin only.
func (uc *UserController) UpdateRole(ctx *gin.Context) {
	actor := middleware.CurrentUser(ctx)
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}

	var body struct {
		Role string `json:"role" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := uc.users.UpdateRole(actor, id, model.Role(body.Role))
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, user)
}

// SetActive enables or disables a user account. Admin only.
func (uc *UserController) SetActive(ctx *gin.Context) {
	actor := middleware.CurrentUser(ctx)
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}

	var body struct {
		IsActive *bool `json:"is_active" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := uc.users.SetActive(actor, id, *body.IsActive)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, user)
}
