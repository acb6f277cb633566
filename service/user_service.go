package services

import (
	"errors"
	"fmt"
	"log"

	model "github.com/pecha-tools/annotation-backend/models"
	"gorm.io/gorm"
)

// UserService provisions principals from the external identity provider and
// handles role administration. Token verification itself lives outside this
// core; callers hand in already-verified identity claims.
type UserService struct {
	db *gorm.DB
}

// NewUserService initializes the service.
func NewUserService(db *gorm.DB) *UserService {
	return &UserService{db: db}
}

// IdentityClaims are the verified fields of an identity token.
type IdentityClaims struct {
	SubjectID string `json:"subject_id" binding:"required"`
	Username  string `json:"username" binding:"required"`
	Email     string `json:"email"`
	FullName  string `json:"full_name"`
	Picture   string `json:"picture"`
}

// UpsertBySubject registers or refreshes a user keyed by the identity
// provider's subject id. New users start as ordinary users.
func (s *UserService) UpsertBySubject(claims IdentityClaims) (*model.User, error) {
	var user model.User
	err := s.db.Where("subject_id = ?", claims.SubjectID).First(&user).Error
	switch {
	case err == nil:
		// Tokens do not always carry the profile fields; keep the stored
		// values when a claim comes back empty.
		if claims.Email != "" {
			user.Email = claims.Email
		}
		if claims.FullName != "" {
			user.FullName = claims.FullName
		}
		if claims.Picture != "" {
			user.Picture = claims.Picture
		}
		if err := s.db.Save(&user).Error; err != nil {
			return nil, fmt.Errorf("failed to refresh user %d: %w", user.ID, err)
		}
		return &user, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		user = model.User{
			SubjectID: claims.SubjectID,
			Username:  claims.Username,
			Email:     claims.Email,
			FullName:  claims.FullName,
			Picture:   claims.Picture,
			Role:      model.RoleUser,
			IsActive:  true,
		}
		if err := s.db.Create(&user).Error; err != nil {
			return nil, fmt.Errorf("failed to register user %q: %w", claims.Username, err)
		}
		log.Printf("[UpsertBySubject] registered user %d (%s)", user.ID, user.Username)
		return &user, nil
	default:
		return nil, fmt.Errorf("failed to look up subject %q: %w", claims.SubjectID, err)
	}
}

// GetBySubject resolves a principal from the provider subject id.
func (s *UserService) GetBySubject(subjectID string) (*model.User, error) {
	var user model.User
	if err := s.db.Where("subject_id = ?", subjectID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no user for subject %q", ErrNotFound, subjectID)
		}
		return nil, fmt.Errorf("failed to look up subject %q: %w", subjectID, err)
	}
	if !user.IsActive {
		return nil, fmt.Errorf("%w: user %d is deactivated", ErrPermissionDenied, user.ID)
	}
	return &user, nil
}

// GetUser fetches a user by id.
func (s *UserService) GetUser(userID uint) (*model.User, error) {
	var user model.User
	if err := s.db.First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: user %d", ErrNotFound, userID)
		}
		return nil, fmt.Errorf("failed to fetch user %d: %w", userID, err)
	}
	return &user, nil
}

// ListUsers returns all users. Admin only.
func (s *UserService) ListUsers(actor *model.User) ([]model.User, error) {
	if !actor.Role.Can(model.CapManageUsers) {
		return nil, fmt.Errorf("%w: role %q cannot list users", ErrPermissionDenied, actor.Role)
	}
	var users []model.User
	if err := s.db.Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// UpdateRole changes a user's role. Admin only.
func (s *UserService) UpdateRole(actor *model.User, userID uint, role model.Role) (*model.User, error) {
	if !actor.Role.Can(model.CapManageUsers) {
		return nil, fmt.Errorf("%w: role %q cannot manage users", ErrPermissionDenied, actor.Role)
	}
	if !model.IsValidRole(role) {
		return nil, fmt.Errorf("%w: invalid role %q", ErrValidation, role)
	}

	user, err := s.GetUser(userID)
	if err != nil {
		return nil, err
	}
	user.Role = role
	if err := s.db.Save(user).Error; err != nil {
		return nil, fmt.Errorf("failed to update role of user %d: %w", userID, err)
	}
	log.Printf("[UpdateRole] user %d is now %s (changed by %d)", userID, role, actor.ID)
	return user, nil
}

// SetActive activates or deactivates a user. Admin only.
func (s *UserService) SetActive(actor *model.User, userID uint, active bool) (*model.User, error) {
	if !actor.Role.Can(model.CapManageUsers) {
		return nil, fmt.Errorf("%w: role %q cannot manage users", ErrPermissionDenied, actor.Role)
	}
	user, err := s.GetUser(userID)
	if err != nil {
		return nil, err
	}
	user.IsActive = active
	if err := s.db.Model(user).Update("is_active", active).Error; err != nil {
		return nil, fmt.Errorf("failed to update user %d: %w", userID, err)
	}
	return user, nil
}
