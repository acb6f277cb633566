package services

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	model "github.com/pecha-tools/annotation-backend/models"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TextService owns the text store: creation, retrieval, statistics, and the
// work-assignment engine (see assignment_service.go).
type TextService struct {
	db       *gorm.DB
	s3Client *s3.S3
	bucket   string
}

// NewTextService initializes the service. S3 archival of uploaded source
// files is optional and enabled only when S3_BUCKET is configured.
func NewTextService(db *gorm.DB) (*TextService, error) {
	svc := &TextService{db: db}

	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		log.Println("S3_BUCKET not set; uploaded files will not be archived")
		return svc, nil
	}

	region := os.Getenv("S3_REGION")
	endpoint := os.Getenv("S3_ENDPOINT")
	accessKey := os.Getenv("S3_ACCESS_KEY")
	secretKey := os.Getenv("S3_SECRET_KEY")
	if region == "" || accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("missing required S3 configuration environment variables")
	}

	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String(region),
		Endpoint:         aws.String(endpoint),
		Credentials:      credentials.NewStaticCredentials(accessKey, secretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	svc.s3Client = s3.New(sess)
	svc.bucket = bucket
	return svc, nil
}

// TextCreateInput carries the fields a caller may set when creating a text.
type TextCreateInput struct {
	Title    string `json:"title" binding:"required"`
	Content  string `json:"content" binding:"required"`
	Source   string `json:"source"`
	Language string `json:"language"`
}

// CreateText creates a new text. Titles are unique. Texts created by ordinary
// users are self-service: they are stamped with the uploader and immediately
// claimed by them, so they never enter the shared pool.
func (s *TextService) CreateText(user *model.User, in TextCreateInput) (*model.Text, error) {
	if !user.Role.Can(model.CapCreateText) {
		return nil, fmt.Errorf("%w: role %q cannot create texts", ErrPermissionDenied, user.Role)
	}

	var existing model.Text
	err := s.db.Where("title = ?", in.Title).First(&existing).Error
	if err == nil {
		return nil, fmt.Errorf("%w: text with title %q already exists", ErrValidation, in.Title)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to check title uniqueness: %w", err)
	}

	text := model.Text{
		Title:    in.Title,
		Content:  in.Content,
		Source:   in.Source,
		Language: in.Language,
		Status:   model.StatusInitialized,
	}
	if text.Language == "" {
		text.Language = "en"
	}
	if user.Role == model.RoleUser {
		text.UploadedBy = &user.ID
	}

	if err := s.db.Create(&text).Error; err != nil {
		return nil, fmt.Errorf("failed to create text: %w", err)
	}
	log.Printf("[CreateText] text %d (%q) created by user %d", text.ID, text.Title, user.ID)

	// Self-service texts are claimed by their uploader on creation.
	if user.Role == model.RoleUser {
		if _, err := claimText(s.db, text.ID, user.ID); err != nil {
			return nil, err
		}
		return s.GetText(text.ID)
	}
	return &text, nil
}

// UploadTextFile creates a text from an uploaded UTF-8 file. The original
// file is archived to S3 when archival is configured.
func (s *TextService) UploadTextFile(user *model.User, file multipart.File, header *multipart.FileHeader, language string) (*model.Text, error) {
	if !user.Role.Can(model.CapCreateText) {
		return nil, fmt.Errorf("%w: role %q cannot upload text files", ErrPermissionDenied, user.Role)
	}

	raw, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read uploaded file: %w", err)
	}
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: file must be valid UTF-8 encoded text", ErrValidation)
	}

	base := strings.TrimSuffix(header.Filename, filepath.Ext(header.Filename))
	if base == "" {
		base = "Uploaded Text"
	}
	title := fmt.Sprintf("%s_%s", base, time.Now().Format("20060102_150405"))

	if s.s3Client != nil {
		if err := s.archiveFile(raw, header); err != nil {
			// Archival is best effort; the text record is the source of truth.
			log.Printf("[UploadTextFile] S3 archive failed for %q: %v", header.Filename, err)
		}
	}

	return s.CreateText(user, TextCreateInput{
		Title:    title,
		Content:  string(raw),
		Source:   header.Filename,
		Language: language,
	})
}

// archiveFile stores the raw uploaded file in the configured S3 bucket.
func (s *TextService) archiveFile(raw []byte, header *multipart.FileHeader) error {
	key := fmt.Sprintf("%s-%s", uuid.NewString(), header.Filename)
	_, err := s.s3Client.PutObject(&s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String(header.Header.Get("Content-Type")),
	})
	if err != nil {
		return fmt.Errorf("failed to upload file to S3: %w", err)
	}
	log.Printf("[archiveFile] archived %q as %s", header.Filename, key)
	return nil
}

// GetText fetches a text by id. Soft-deleted texts are reported as not found.
func (s *TextService) GetText(textID uint) (*model.Text, error) {
	var text model.Text
	if err := s.db.First(&text, textID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: text %d", ErrNotFound, textID)
		}
		return nil, fmt.Errorf("failed to fetch text %d: %w", textID, err)
	}
	return &text, nil
}

// GetTextWithAnnotations fetches a text together with its annotations.
func (s *TextService) GetTextWithAnnotations(textID uint) (*model.Text, error) {
	var text model.Text
	err := s.db.Preload("Annotations").First(&text, textID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: text %d", ErrNotFound, textID)
		}
		return nil, fmt.Errorf("failed to fetch text %d: %w", textID, err)
	}
	return &text, nil
}

// TextFilter narrows ListTexts. UploadedBy accepts "system" (pool texts only)
// or "user" (self-service texts only).
type TextFilter struct {
	Status     string
	Language   string
	ReviewerID uint
	UploadedBy string
	Offset     int
	Limit      int
}

// ListTexts returns texts matching the filter.
func (s *TextService) ListTexts(filter TextFilter) ([]model.Text, error) {
	if filter.Status != "" && !model.IsValidStatus(filter.Status) {
		return nil, fmt.Errorf("%w: invalid status %q", ErrValidation, filter.Status)
	}

	query := s.db.Model(&model.Text{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Language != "" {
		query = query.Where("language = ?", filter.Language)
	}
	if filter.ReviewerID != 0 {
		query = query.Where("reviewer_id = ?", filter.ReviewerID)
	}
	switch filter.UploadedBy {
	case "system":
		query = query.Where("uploaded_by IS NULL")
	case "user":
		query = query.Where("uploaded_by IS NOT NULL")
	}

	limit := filter.Limit
	if limit == 0 {
		limit = 100
	}

	var texts []model.Text
	if err := query.Offset(filter.Offset).Limit(limit).Find(&texts).Error; err != nil {
		return nil, fmt.Errorf("failed to list texts: %w", err)
	}
	return texts, nil
}

// UpdateTextStatus sets a text's status directly. Intended for reviewer and
// admin corrections; the transition must still be legal. The reviewer is
// recorded when the new status is reviewed.
func (s *TextService) UpdateTextStatus(user *model.User, textID uint, status string) (*model.Text, error) {
	if !model.IsValidStatus(status) {
		return nil, fmt.Errorf("%w: invalid status %q", ErrValidation, status)
	}
	if !user.Role.Can(model.CapReview) {
		return nil, fmt.Errorf("%w: role %q cannot update text status", ErrPermissionDenied, user.Role)
	}

	text, err := s.GetText(textID)
	if err != nil {
		return nil, err
	}

	extra := transitionUpdate{}
	if status == model.StatusReviewed {
		extra["reviewer_id"] = user.ID
	}
	if err := transitionText(s.db, textID, text.Status, status, extra); err != nil {
		return nil, err
	}
	return s.GetText(textID)
}

// DeleteText hard-deletes a text and, through the store's cascade, its
// annotations and their reviews. Admin only.
func (s *TextService) DeleteText(user *model.User, textID uint) error {
	if !user.Role.Can(model.CapDeleteText) {
		return fmt.Errorf("%w: role %q cannot delete texts", ErrPermissionDenied, user.Role)
	}
	text, err := s.GetText(textID)
	if err != nil {
		return err
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		var annotationIDs []uint
		if err := tx.Model(&model.Annotation{}).Where("text_id = ?", textID).Pluck("id", &annotationIDs).Error; err != nil {
			return fmt.Errorf("failed to collect annotations of text %d: %w", textID, err)
		}
		if len(annotationIDs) > 0 {
			if err := tx.Where("annotation_id IN ?", annotationIDs).Delete(&model.AnnotationReview{}).Error; err != nil {
				return fmt.Errorf("failed to delete reviews of text %d: %w", textID, err)
			}
			if err := tx.Where("text_id = ?", textID).Delete(&model.Annotation{}).Error; err != nil {
				return fmt.Errorf("failed to delete annotations of text %d: %w", textID, err)
			}
		}
		if err := tx.Unscoped().Delete(text).Error; err != nil {
			return fmt.Errorf("failed to delete text %d: %w", textID, err)
		}
		log.Printf("[DeleteText] text %d deleted by admin %d", textID, user.ID)
		return nil
	})
}

// SoftDeleteText marks a text deleted without removing the record. The
// rejection ledger keeps its entries.
func (s *TextService) SoftDeleteText(user *model.User, textID uint) error {
	if !user.Role.Can(model.CapDeleteText) {
		return fmt.Errorf("%w: role %q cannot delete texts", ErrPermissionDenied, user.Role)
	}
	text, err := s.GetText(textID)
	if err != nil {
		return err
	}
	if err := s.db.Delete(text).Error; err != nil {
		return fmt.Errorf("failed to soft-delete text %d: %w", textID, err)
	}
	return nil
}

// TextStats is the per-status census of the text store.
type TextStats struct {
	Total                 int64 `json:"total"`
	Initialized           int64 `json:"initialized"`
	Progress              int64 `json:"progress"`
	Annotated             int64 `json:"annotated"`
	Reviewed              int64 `json:"reviewed"`
	ReviewedNeedsRevision int64 `json:"reviewed_needs_revision"`
	Skipped               int64 `json:"skipped"`
}

// GetStats counts texts by status.
func (s *TextService) GetStats() (*TextStats, error) {
	stats := &TextStats{}
	counts := []struct {
		status string
		dest   *int64
	}{
		{model.StatusInitialized, &stats.Initialized},
		{model.StatusProgress, &stats.Progress},
		{model.StatusAnnotated, &stats.Annotated},
		{model.StatusReviewed, &stats.Reviewed},
		{model.StatusReviewedNeedsRevision, &stats.ReviewedNeedsRevision},
		{model.StatusSkipped, &stats.Skipped},
	}

	if err := s.db.Model(&model.Text{}).Count(&stats.Total).Error; err != nil {
		return nil, fmt.Errorf("failed to count texts: %w", err)
	}
	for _, c := range counts {
		if err := s.db.Model(&model.Text{}).Where("status = ?", c.status).Count(c.dest).Error; err != nil {
			return nil, fmt.Errorf("failed to count %s texts: %w", c.status, err)
		}
	}
	return stats, nil
}

// AdminTextStats extends TextStats with rejection-ledger pressure figures so
// operators can spot texts the pool keeps refusing.
type AdminTextStats struct {
	TextStats
	TotalRejections      int64 `json:"total_rejections"`
	UniqueRejectedTexts  int64 `json:"unique_rejected_texts"`
	HeavilyRejectedTexts int64 `json:"heavily_rejected_texts"`
	TotalActiveUsers     int64 `json:"total_active_users"`
	AvailableForNewUsers int64 `json:"available_for_new_users"`
}

// GetAdminStats computes the admin dashboard statistics. A text counts as
// heavily rejected once at least half the active users have skipped it.
func (s *TextService) GetAdminStats(user *model.User) (*AdminTextStats, error) {
	if user.Role != model.RoleAdmin {
		return nil, fmt.Errorf("%w: admin role required", ErrPermissionDenied)
	}

	base, err := s.GetStats()
	if err != nil {
		return nil, err
	}
	stats := &AdminTextStats{TextStats: *base}

	if err := s.db.Model(&model.UserRejectedText{}).Count(&stats.TotalRejections).Error; err != nil {
		return nil, fmt.Errorf("failed to count rejections: %w", err)
	}
	if err := s.db.Model(&model.UserRejectedText{}).Distinct("text_id").Count(&stats.UniqueRejectedTexts).Error; err != nil {
		return nil, fmt.Errorf("failed to count rejected texts: %w", err)
	}
	if err := s.db.Model(&model.User{}).Where("is_active = ?", true).Count(&stats.TotalActiveUsers).Error; err != nil {
		return nil, fmt.Errorf("failed to count active users: %w", err)
	}

	threshold := stats.TotalActiveUsers / 2
	if threshold < 1 {
		threshold = 1
	}
	heavy := s.db.Model(&model.UserRejectedText{}).
		Select("text_id").
		Group("text_id").
		Having("COUNT(user_id) >= ?", threshold)
	err = s.db.Table("(?) AS heavily_rejected", heavy).Count(&stats.HeavilyRejectedTexts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count heavily rejected texts: %w", err)
	}

	if stats.Initialized > stats.HeavilyRejectedTexts {
		stats.AvailableForNewUsers = stats.Initialized - stats.HeavilyRejectedTexts
	}
	return stats, nil
}

// RejectedTextDetail is one ledger entry joined with its text.
type RejectedTextDetail struct {
	ID         uint      `json:"id"`
	TextID     uint      `json:"text_id"`
	Title      string    `json:"text_title"`
	Language   string    `json:"text_language"`
	RejectedAt time.Time `json:"rejected_at"`
}

// GetRejectedTexts lists every text the user has skipped.
func (s *TextService) GetRejectedTexts(user *model.User) ([]RejectedTextDetail, error) {
	var rejections []model.UserRejectedText
	if err := s.db.Where("user_id = ?", user.ID).Find(&rejections).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch rejections for user %d: %w", user.ID, err)
	}

	details := make([]RejectedTextDetail, 0, len(rejections))
	for _, rejection := range rejections {
		text, err := s.GetText(rejection.TextID)
		if err != nil {
			// Soft-deleted texts drop out of the listing but stay in the ledger.
			continue
		}
		details = append(details, RejectedTextDetail{
			ID:         rejection.ID,
			TextID:     text.ID,
			Title:      text.Title,
			Language:   text.Language,
			RejectedAt: rejection.RejectedAt,
		})
	}
	return details, nil
}

// UserStats summarizes one user's throughput.
type UserStats struct {
	TextsAnnotated   int64   `json:"texts_annotated"`
	ReviewsCompleted int64   `json:"reviews_completed"`
	TotalAnnotations int64   `json:"total_annotations"`
	AccuracyRate     float64 `json:"accuracy_rate"`
}

// GetUserStats computes throughput statistics for one user.
func (s *TextService) GetUserStats(userID uint) (*UserStats, error) {
	stats := &UserStats{}
	completed := []string{model.StatusAnnotated, model.StatusReviewed, model.StatusReviewedNeedsRevision}

	err := s.db.Model(&model.Text{}).
		Where("annotator_id = ? AND status IN ?", userID, completed).
		Count(&stats.TextsAnnotated).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count annotated texts: %w", err)
	}
	err = s.db.Model(&model.Text{}).
		Where("reviewer_id = ? AND status = ?", userID, model.StatusReviewed).
		Count(&stats.ReviewsCompleted).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count completed reviews: %w", err)
	}
	err = s.db.Model(&model.Annotation{}).
		Where("annotator_id = ?", userID).
		Count(&stats.TotalAnnotations).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count annotations: %w", err)
	}

	if stats.TextsAnnotated > 0 {
		var reviewedByOthers int64
		err = s.db.Model(&model.Text{}).
			Where("annotator_id = ? AND status = ? AND reviewer_id IS NOT NULL AND reviewer_id <> ?",
				userID, model.StatusReviewed, userID).
			Count(&reviewedByOthers).Error
		if err != nil {
			return nil, fmt.Errorf("failed to count reviewed texts: %w", err)
		}
		stats.AccuracyRate = float64(reviewedByOthers) / float64(stats.TextsAnnotated) * 100
	}
	return stats, nil
}
