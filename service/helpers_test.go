package services

import (
	"fmt"
	"strings"
	"testing"

	model "github.com/pecha-tools/annotation-backend/models"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// setupTestDB opens a named in-memory store so every connection of the pool
// sees the same data, and migrates the full schema.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.User{},
		&model.Text{},
		&model.Annotation{},
		&model.AnnotationReview{},
		&model.UserRejectedText{},
	))
	return db
}

func newTestTextService(db *gorm.DB) *TextService {
	return &TextService{db: db}
}

func seedUser(t *testing.T, db *gorm.DB, username string, role model.Role) *model.User {
	t.Helper()
	user := &model.User{
		SubjectID: "test|" + username,
		Username:  username,
		Role:      role,
		IsActive:  true,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func seedPoolText(t *testing.T, db *gorm.DB, title, content string) *model.Text {
	t.Helper()
	text := &model.Text{
		Title:    title,
		Content:  content,
		Language: "en",
		Status:   model.StatusInitialized,
	}
	require.NoError(t, db.Create(text).Error)
	return text
}

func seedUserText(t *testing.T, db *gorm.DB, title, content string, uploadedBy uint) *model.Text {
	t.Helper()
	text := &model.Text{
		Title:      title,
		Content:    content,
		Language:   "en",
		Status:     model.StatusInitialized,
		UploadedBy: &uploadedBy,
	}
	require.NoError(t, db.Create(text).Error)
	return text
}

func seedAnnotation(t *testing.T, db *gorm.DB, textID uint, annotatorID *uint, start, end int) *model.Annotation {
	t.Helper()
	annotation := &model.Annotation{
		TextID:        textID,
		AnnotatorID:   annotatorID,
		Type:          "entity",
		StartPosition: start,
		EndPosition:   end,
		Confidence:    100,
	}
	require.NoError(t, db.Create(annotation).Error)
	return annotation
}

func reloadText(t *testing.T, db *gorm.DB, textID uint) *model.Text {
	t.Helper()
	var text model.Text
	require.NoError(t, db.First(&text, textID).Error)
	return &text
}
