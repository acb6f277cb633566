package services

import (
	"errors"
	"fmt"
	"log"

	model "github.com/pecha-tools/annotation-backend/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AnnotationService owns span-level labels. Status side effects (promoting an
// untouched text on first annotation, demoting an annotated text emptied of
// spans) go through the workflow transition table; this service never writes
// text status directly.
type AnnotationService struct {
	db *gorm.DB
}

// NewAnnotationService initializes the service.
func NewAnnotationService(db *gorm.DB) *AnnotationService {
	return &AnnotationService{db: db}
}

// AnnotationCreateInput carries the fields a caller may set when creating or
// updating an annotation. Positions are rune offsets into the text content.
type AnnotationCreateInput struct {
	TextID        uint           `json:"text_id" binding:"required"`
	Type          string         `json:"annotation_type" binding:"required"`
	StartPosition int            `json:"start_position"`
	EndPosition   int            `json:"end_position"`
	SelectedText  string         `json:"selected_text"`
	Label         string         `json:"label"`
	Name          string         `json:"name"`
	Level         string         `json:"level"`
	Meta          datatypes.JSON `json:"meta"`
	Confidence    *int           `json:"confidence"`
}

// validateSpan checks a half-open [start, end) span against the live content
// and returns the covered text.
func validateSpan(content string, start, end int) (string, error) {
	runes := []rune(content)
	length := len(runes)

	if start < 0 || end < 0 {
		return "", fmt.Errorf("%w: positions cannot be negative", ErrValidation)
	}
	if start >= end {
		return "", fmt.Errorf("%w: start position must be less than end position", ErrValidation)
	}
	if start >= length {
		return "", fmt.Errorf("%w: start position (%d) exceeds text length (%d)", ErrValidation, start, length)
	}
	if end > length {
		return "", fmt.Errorf("%w: end position (%d) exceeds text length (%d)", ErrValidation, end, length)
	}
	return string(runes[start:end]), nil
}

// canAnnotateText applies the role gate for annotation writes: annotators and
// admins may annotate anything visible to them, ordinary users only texts
// they uploaded.
func canAnnotateText(user *model.User, text *model.Text) error {
	if !user.Role.Can(model.CapAnnotate) {
		return fmt.Errorf("%w: role %q cannot create annotations", ErrPermissionDenied, user.Role)
	}
	if user.Role == model.RoleUser {
		if text.UploadedBy == nil || *text.UploadedBy != user.ID {
			return fmt.Errorf("%w: users may only annotate texts they uploaded", ErrPermissionDenied)
		}
	}
	return nil
}

// CreateAnnotation creates a span owned by the acting user. Creating the
// first span on an untouched text claims it implicitly: the text is promoted
// to progress with the actor recorded as annotator, in the same transaction
// as the span itself.
func (s *AnnotationService) CreateAnnotation(user *model.User, in AnnotationCreateInput) (*model.Annotation, error) {
	var text model.Text
	if err := s.db.First(&text, in.TextID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: text %d", ErrNotFound, in.TextID)
		}
		return nil, fmt.Errorf("failed to fetch text %d: %w", in.TextID, err)
	}
	if err := canAnnotateText(user, &text); err != nil {
		return nil, err
	}

	selected, err := validateSpan(text.Content, in.StartPosition, in.EndPosition)
	if err != nil {
		return nil, err
	}
	if in.SelectedText == "" {
		in.SelectedText = selected
	}

	annotation := model.Annotation{
		TextID:        in.TextID,
		AnnotatorID:   &user.ID,
		Type:          in.Type,
		StartPosition: in.StartPosition,
		EndPosition:   in.EndPosition,
		SelectedText:  in.SelectedText,
		Label:         in.Label,
		Name:          in.Name,
		Level:         in.Level,
		Meta:          in.Meta,
		Confidence:    100,
	}
	if in.Confidence != nil {
		if *in.Confidence < 0 || *in.Confidence > 100 {
			return nil, fmt.Errorf("%w: confidence must be in [0, 100]", ErrValidation)
		}
		annotation.Confidence = *in.Confidence
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&annotation).Error; err != nil {
			return fmt.Errorf("failed to create annotation: %w", err)
		}
		if text.Status == model.StatusInitialized {
			claimed, err := claimText(tx, text.ID, user.ID)
			if err != nil {
				return err
			}
			if !claimed {
				// Someone else claimed between our read and write; the span
				// still lands, the claim simply was not ours to take.
				log.Printf("[CreateAnnotation] text %d already claimed, skipping auto-promotion", text.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetAnnotation(annotation.ID)
}

// CreateBulkAnnotation creates a span without touching text status, for
// import pipelines seeding system annotations. AnnotatorID may be nil.
func (s *AnnotationService) CreateBulkAnnotation(in AnnotationCreateInput, annotatorID *uint) (*model.Annotation, error) {
	var text model.Text
	if err := s.db.First(&text, in.TextID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: text %d", ErrNotFound, in.TextID)
		}
		return nil, fmt.Errorf("failed to fetch text %d: %w", in.TextID, err)
	}

	selected, err := validateSpan(text.Content, in.StartPosition, in.EndPosition)
	if err != nil {
		return nil, err
	}
	if in.SelectedText == "" {
		in.SelectedText = selected
	}

	annotation := model.Annotation{
		TextID:        in.TextID,
		AnnotatorID:   annotatorID,
		Type:          in.Type,
		StartPosition: in.StartPosition,
		EndPosition:   in.EndPosition,
		SelectedText:  in.SelectedText,
		Label:         in.Label,
		Name:          in.Name,
		Level:         in.Level,
		Meta:          in.Meta,
		Confidence:    100,
	}
	if in.Confidence != nil {
		annotation.Confidence = *in.Confidence
	}
	if err := s.db.Create(&annotation).Error; err != nil {
		return nil, fmt.Errorf("failed to create bulk annotation: %w", err)
	}
	return &annotation, nil
}

// BulkAnnotationInput is one seed annotation inside an import file. The text
// id is assigned once the file's text exists.
type BulkAnnotationInput struct {
	Type          string         `json:"annotation_type" binding:"required"`
	StartPosition int            `json:"start_position"`
	EndPosition   int            `json:"end_position"`
	SelectedText  string         `json:"selected_text"`
	Label         string         `json:"label"`
	Name          string         `json:"name"`
	Level         string         `json:"level"`
	Meta          datatypes.JSON `json:"meta"`
	Confidence    *int           `json:"confidence"`
}

// BulkImportFile is one parsed import file: a text plus its seed annotations.
type BulkImportFile struct {
	Filename    string
	Text        TextCreateInput
	Annotations []BulkAnnotationInput
}

// BulkImportResult is the per-file outcome of a bulk import.
type BulkImportResult struct {
	Filename           string `json:"filename"`
	Success            bool   `json:"success"`
	TextID             uint   `json:"text_id,omitempty"`
	CreatedAnnotations int    `json:"created_annotations"`
	Error              string `json:"error,omitempty"`
}

// BulkImportSummary aggregates a whole bulk import.
type BulkImportSummary struct {
	Success                 bool               `json:"success"`
	TotalFiles              int                `json:"total_files"`
	SuccessfulFiles         int                `json:"successful_files"`
	FailedFiles             int                `json:"failed_files"`
	TotalTextsCreated       int                `json:"total_texts_created"`
	TotalAnnotationsCreated int                `json:"total_annotations_created"`
	Results                 []BulkImportResult `json:"results"`
}

// BulkImport seeds texts together with system annotations. Admin only. Each
// file becomes one pool text; its annotations are created without an owner and
// without touching text status, so the text stays available for assignment.
// Files are independent: a failing file is reported in its result and does
// not abort the batch.
func (s *AnnotationService) BulkImport(admin *model.User, files []BulkImportFile) (*BulkImportSummary, error) {
	if admin.Role != model.RoleAdmin {
		return nil, fmt.Errorf("%w: only admins may bulk import", ErrPermissionDenied)
	}

	summary := &BulkImportSummary{TotalFiles: len(files)}
	seenTitles := map[string]bool{}
	for _, file := range files {
		result := s.importFile(file, seenTitles)
		if result.Success {
			summary.SuccessfulFiles++
			summary.TotalTextsCreated++
			summary.TotalAnnotationsCreated += result.CreatedAnnotations
		}
		summary.Results = append(summary.Results, result)
	}
	summary.FailedFiles = summary.TotalFiles - summary.SuccessfulFiles
	summary.Success = summary.SuccessfulFiles > 0
	log.Printf("[BulkImport] admin %d imported %d/%d files, %d annotations",
		admin.ID, summary.SuccessfulFiles, summary.TotalFiles, summary.TotalAnnotationsCreated)
	return summary, nil
}

func (s *AnnotationService) importFile(file BulkImportFile, seenTitles map[string]bool) BulkImportResult {
	result := BulkImportResult{Filename: file.Filename}
	fail := func(format string, args ...any) BulkImportResult {
		result.Success = false
		result.TextID = 0
		result.CreatedAnnotations = 0
		result.Error = fmt.Sprintf(format, args...)
		return result
	}

	if file.Text.Title == "" || file.Text.Content == "" {
		return fail("text title and content are required")
	}
	if seenTitles[file.Text.Title] {
		return fail("duplicate title %q within import batch", file.Text.Title)
	}
	seenTitles[file.Text.Title] = true

	// Spans are checked up front so a bad file creates nothing.
	for i, in := range file.Annotations {
		if _, err := validateSpan(file.Text.Content, in.StartPosition, in.EndPosition); err != nil {
			return fail("annotation %d: %v", i+1, err)
		}
	}

	var existing int64
	if err := s.db.Model(&model.Text{}).Where("title = ?", file.Text.Title).Count(&existing).Error; err != nil {
		return fail("failed to check title uniqueness: %v", err)
	}
	if existing > 0 {
		return fail("text title %q already exists", file.Text.Title)
	}

	text := model.Text{
		Title:    file.Text.Title,
		Content:  file.Text.Content,
		Source:   file.Text.Source,
		Language: file.Text.Language,
		Status:   model.StatusInitialized,
	}
	if text.Source == "" {
		text.Source = "Bulk Upload"
	}
	if text.Language == "" {
		text.Language = "en"
	}
	if err := s.db.Create(&text).Error; err != nil {
		return fail("failed to create text: %v", err)
	}

	for i, in := range file.Annotations {
		_, err := s.CreateBulkAnnotation(AnnotationCreateInput{
			TextID:        text.ID,
			Type:          in.Type,
			StartPosition: in.StartPosition,
			EndPosition:   in.EndPosition,
			SelectedText:  in.SelectedText,
			Label:         in.Label,
			Name:          in.Name,
			Level:         in.Level,
			Meta:          in.Meta,
			Confidence:    in.Confidence,
		}, nil)
		if err != nil {
			return fail("annotation %d: %v", i+1, err)
		}
		result.CreatedAnnotations++
	}

	result.Success = true
	result.TextID = text.ID
	return result
}

// GetAnnotation fetches one annotation with its computed endorsement flag.
func (s *AnnotationService) GetAnnotation(annotationID uint) (*model.Annotation, error) {
	var annotation model.Annotation
	if err := s.db.First(&annotation, annotationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: annotation %d", ErrNotFound, annotationID)
		}
		return nil, fmt.Errorf("failed to fetch annotation %d: %w", annotationID, err)
	}
	agreed, err := s.IsAnnotationAgreed(annotationID)
	if err != nil {
		return nil, err
	}
	annotation.IsAgreed = agreed
	return &annotation, nil
}

// IsAnnotationAgreed reports whether any reviewer has endorsed the
// annotation. An agree decision locks the annotation against edits.
func (s *AnnotationService) IsAnnotationAgreed(annotationID uint) (bool, error) {
	var count int64
	err := s.db.Model(&model.AnnotationReview{}).
		Where("annotation_id = ? AND decision = ?", annotationID, model.DecisionAgree).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check endorsement of annotation %d: %w", annotationID, err)
	}
	return count > 0, nil
}

// AnnotationFilter narrows ListAnnotations.
type AnnotationFilter struct {
	TextID      uint
	AnnotatorID uint
	Type        string
	Offset      int
	Limit       int
}

// ListAnnotations returns annotations matching the filter, each with its
// endorsement flag.
func (s *AnnotationService) ListAnnotations(filter AnnotationFilter) ([]model.Annotation, error) {
	query := s.db.Model(&model.Annotation{})
	if filter.TextID != 0 {
		query = query.Where("text_id = ?", filter.TextID)
	}
	if filter.AnnotatorID != 0 {
		query = query.Where("annotator_id = ?", filter.AnnotatorID)
	}
	if filter.Type != "" {
		query = query.Where("annotation_type = ?", filter.Type)
	}

	limit := filter.Limit
	if limit == 0 {
		limit = 100
	}

	var annotations []model.Annotation
	if err := query.Offset(filter.Offset).Limit(limit).Find(&annotations).Error; err != nil {
		return nil, fmt.Errorf("failed to list annotations: %w", err)
	}
	for i := range annotations {
		agreed, err := s.IsAnnotationAgreed(annotations[i].ID)
		if err != nil {
			return nil, err
		}
		annotations[i].IsAgreed = agreed
	}
	return annotations, nil
}

// GetAnnotationsByText returns all annotations of one text.
func (s *AnnotationService) GetAnnotationsByText(textID uint) ([]model.Annotation, error) {
	return s.ListAnnotations(AnnotationFilter{TextID: textID, Limit: -1})
}

// AnnotationUpdateInput carries optional fields of an annotation update.
type AnnotationUpdateInput struct {
	StartPosition *int            `json:"start_position"`
	EndPosition   *int            `json:"end_position"`
	SelectedText  *string         `json:"selected_text"`
	Label         *string         `json:"label"`
	Name          *string         `json:"name"`
	Level         *string         `json:"level"`
	Meta          *datatypes.JSON `json:"meta"`
	Confidence    *int            `json:"confidence"`
}

// UpdateAnnotation edits a span. Only the owner or an admin may edit, and an
// endorsed annotation is immutable.
func (s *AnnotationService) UpdateAnnotation(user *model.User, annotationID uint, in AnnotationUpdateInput) (*model.Annotation, error) {
	annotation, err := s.GetAnnotation(annotationID)
	if err != nil {
		return nil, err
	}
	if !annotation.OwnedBy(user.ID) && user.Role != model.RoleAdmin {
		return nil, fmt.Errorf("%w: user %d does not own annotation %d", ErrPermissionDenied, user.ID, annotationID)
	}
	if annotation.IsAgreed {
		return nil, fmt.Errorf("%w: annotation %d has been endorsed by a reviewer and cannot be modified", ErrStateConflict, annotationID)
	}

	if in.StartPosition != nil || in.EndPosition != nil {
		start := annotation.StartPosition
		end := annotation.EndPosition
		if in.StartPosition != nil {
			start = *in.StartPosition
		}
		if in.EndPosition != nil {
			end = *in.EndPosition
		}

		var text model.Text
		if err := s.db.First(&text, annotation.TextID).Error; err != nil {
			return nil, fmt.Errorf("failed to fetch text %d: %w", annotation.TextID, err)
		}
		selected, err := validateSpan(text.Content, start, end)
		if err != nil {
			return nil, err
		}
		annotation.StartPosition = start
		annotation.EndPosition = end
		if in.SelectedText == nil {
			annotation.SelectedText = selected
		}
	}
	if in.SelectedText != nil {
		annotation.SelectedText = *in.SelectedText
	}
	if in.Label != nil {
		annotation.Label = *in.Label
	}
	if in.Name != nil {
		annotation.Name = *in.Name
	}
	if in.Level != nil {
		annotation.Level = *in.Level
	}
	if in.Meta != nil {
		annotation.Meta = *in.Meta
	}
	if in.Confidence != nil {
		if *in.Confidence < 0 || *in.Confidence > 100 {
			return nil, fmt.Errorf("%w: confidence must be in [0, 100]", ErrValidation)
		}
		annotation.Confidence = *in.Confidence
	}

	if err := s.db.Save(annotation).Error; err != nil {
		return nil, fmt.Errorf("failed to update annotation %d: %w", annotationID, err)
	}
	return annotation, nil
}

// DeleteAnnotation removes a span. Only the owner or an admin may delete;
// system-seeded spans are deletable by any annotator. Deleting the last
// annotation of an annotated text demotes the text back to initialized; the
// annotator reference deliberately survives this path (only RevertWork clears
// it).
func (s *AnnotationService) DeleteAnnotation(user *model.User, annotationID uint) error {
	annotation, err := s.GetAnnotation(annotationID)
	if err != nil {
		return err
	}
	if owner, ok := annotation.Owner(); ok && owner != user.ID && user.Role != model.RoleAdmin {
		return fmt.Errorf("%w: user %d does not own annotation %d", ErrPermissionDenied, user.ID, annotationID)
	}
	if annotation.IsAgreed {
		return fmt.Errorf("%w: annotation %d has been endorsed by a reviewer and cannot be deleted", ErrStateConflict, annotationID)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("annotation_id = ?", annotationID).Delete(&model.AnnotationReview{}).Error; err != nil {
			return fmt.Errorf("failed to delete reviews of annotation %d: %w", annotationID, err)
		}
		if err := tx.Delete(&model.Annotation{}, annotationID).Error; err != nil {
			return fmt.Errorf("failed to delete annotation %d: %w", annotationID, err)
		}

		var remaining int64
		if err := tx.Model(&model.Annotation{}).Where("text_id = ?", annotation.TextID).Count(&remaining).Error; err != nil {
			return fmt.Errorf("failed to count remaining annotations: %w", err)
		}
		if remaining == 0 {
			var text model.Text
			if err := tx.First(&text, annotation.TextID).Error; err != nil {
				return fmt.Errorf("failed to fetch text %d: %w", annotation.TextID, err)
			}
			if text.Status == model.StatusAnnotated {
				return transitionText(tx, text.ID, model.StatusAnnotated, model.StatusInitialized, nil)
			}
		}
		return nil
	})
}

// AnnotationStats aggregates annotation counts by type, optionally scoped to
// one text.
type AnnotationStats struct {
	TotalAnnotations int64            `json:"total_annotations"`
	ByType           map[string]int64 `json:"by_type"`
}

// GetAnnotationStats computes annotation statistics.
func (s *AnnotationService) GetAnnotationStats(textID uint) (*AnnotationStats, error) {
	query := s.db.Model(&model.Annotation{})
	if textID != 0 {
		query = query.Where("text_id = ?", textID)
	}

	stats := &AnnotationStats{ByType: map[string]int64{}}
	if err := query.Count(&stats.TotalAnnotations).Error; err != nil {
		return nil, fmt.Errorf("failed to count annotations: %w", err)
	}

	type typeCount struct {
		AnnotationType string
		Count          int64
	}
	var rows []typeCount
	grouped := s.db.Model(&model.Annotation{}).
		Select("annotation_type, COUNT(id) AS count").
		Group("annotation_type")
	if textID != 0 {
		grouped = grouped.Where("text_id = ?", textID)
	}
	if err := grouped.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to group annotations by type: %w", err)
	}
	for _, row := range rows {
		stats.ByType[row.AnnotationType] = row.Count
	}
	return stats, nil
}

// ValidateAnnotationPositions checks a span against a text without writing
// anything, so clients can validate before submitting.
func (s *AnnotationService) ValidateAnnotationPositions(textID uint, start, end int) (string, error) {
	var text model.Text
	if err := s.db.First(&text, textID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("%w: text %d", ErrNotFound, textID)
		}
		return "", fmt.Errorf("failed to fetch text %d: %w", textID, err)
	}
	return validateSpan(text.Content, start, end)
}
