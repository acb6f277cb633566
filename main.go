package main

import (
	"log"
	"net/http"

	controller "github.com/pecha-tools/annotation-backend/controller"
	"github.com/pecha-tools/annotation-backend/initializers"
	middleware "github.com/pecha-tools/annotation-backend/middleware"
	model "github.com/pecha-tools/annotation-backend/models"
	services "github.com/pecha-tools/annotation-backend/service"

	"github.com/gin-gonic/gin"
)

func init() {
	if err := initializers.LoadEnv(); err != nil {
		log.Fatalf("[CRITICAL] Failed to load env: %s", err)
	}
	if err := initializers.ConnectDB(); err != nil {
		log.Fatalf("[CRITICAL] Failed to initialize database connection: %s", err)
	}
	if err := initializers.Migrate(); err != nil {
		log.Fatalf("[CRITICAL] Failed to run database migrations: %s", err)
	}
}

func main() {
	textService, err := services.NewTextService(initializers.DB)
	if err != nil {
		log.Fatalf("Failed to initialize text service: %s", err)
	}
	annotationService := services.NewAnnotationService(initializers.DB)
	reviewService := services.NewReviewService(initializers.DB, textService)
	userService := services.NewUserService(initializers.DB)

	textController := controller.NewTextController(textService)
	annotationController := controller.NewAnnotationController(annotationService)
	reviewController := controller.NewReviewController(reviewService)
	userController := controller.NewUserController(userService)

	verifier, err := middleware.NewEnvTokenVerifier()
	if err != nil {
		log.Fatalf("Failed to initialize token verifier: %s", err)
	}

	router := gin.Default()
	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.GlobalRateLimiter.Limit())

	// Healthcheck endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	// Registration happens before a bearer token exists for the user
	router.POST("/users/register",
		middleware.StrictRateLimiter.Limit(),
		userController.Register)

	authed := router.Group("/", middleware.Authenticate(verifier, userService))

	users := authed.Group("/users")
	{
		users.GET("/me", userController.GetMe)
		admin := users.Group("", middleware.RequireRole(model.RoleAdmin))
		admin.GET("", userController.ListUsers)
		admin.PUT("/:id/role", userController.UpdateRole)
		admin.PUT("/:id/active", userController.SetActive)
	}

	texts := authed.Group("/texts")
	{
		texts.POST("", textController.CreateText)
		texts.POST("/upload",
			middleware.StrictRateLimiter.Limit(),
			textController.UploadTextFile)
		texts.GET("", textController.ListTexts)
		texts.GET("/status-options", textController.GetStatusOptions)
		texts.GET("/stats", textController.GetStats)
		texts.GET("/admin-stats",
			middleware.RequireRole(model.RoleAdmin),
			textController.GetAdminStats)
		texts.GET("/user-stats", textController.GetUserStats)
		texts.GET("/my-rejected", textController.GetRejectedTexts)
		texts.GET("/my-progress", textController.GetWorkInProgress)
		texts.GET("/for-annotation", textController.GetTextsForAnnotation)

		texts.POST("/start-work", textController.StartWork)
		texts.POST("/skip", textController.SkipText)
		texts.POST("/:id/cancel-work", textController.CancelWork)
		texts.POST("/:id/revert-work", textController.RevertWork)
		texts.POST("/:id/submit", textController.SubmitTask)
		texts.PUT("/:id/task", textController.ReopenTask)

		texts.GET("/:id", textController.GetText)
		texts.GET("/:id/annotations", annotationController.GetAnnotationsByText)
		texts.GET("/:id/annotation-stats", annotationController.GetAnnotationStats)
		texts.PUT("/:id/status", textController.UpdateTextStatus)
		texts.DELETE("/:id",
			middleware.RequireRole(model.RoleAdmin),
			textController.DeleteText)
	}

	annotations := authed.Group("/annotations")
	{
		annotations.POST("", annotationController.CreateAnnotation)
		annotations.POST("/bulk-upload",
			middleware.RequireRole(model.RoleAdmin),
			middleware.StrictRateLimiter.Limit(),
			annotationController.BulkUpload)
		annotations.GET("", annotationController.ListAnnotations)
		annotations.GET("/mine", annotationController.GetMyAnnotations)
		annotations.POST("/validate-positions", annotationController.ValidatePositions)
		annotations.GET("/:id", annotationController.GetAnnotation)
		annotations.PUT("/:id", annotationController.UpdateAnnotation)
		annotations.DELETE("/:id", annotationController.DeleteAnnotation)
		annotations.POST("/:id/review", reviewController.ReviewAnnotation)
		annotations.GET("/:id/reviews", reviewController.GetAnnotationReviews)
	}

	reviews := authed.Group("/reviews")
	{
		reviews.GET("/texts", reviewController.GetTextsForReview)
		reviews.GET("/my-progress", reviewController.GetMyReviewProgress)
		reviews.GET("/my-work", reviewController.GetReviewedWork)
		reviews.GET("/mine", reviewController.GetMyReviews)
		reviews.GET("/texts/:id/session", reviewController.StartReviewSession)
		reviews.GET("/texts/:id/status", reviewController.GetReviewStatus)
		reviews.POST("/submit", reviewController.SubmitReview)
		reviews.GET("/stats", reviewController.GetReviewerStats)
		reviews.GET("/needs-revision", reviewController.GetTextsNeedingRevision)
		reviews.DELETE("/:id", reviewController.DeleteReview)
	}

	router.Run(":8080")
}
