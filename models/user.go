package models

import "time"

// Role is the closed set of roles a user can hold.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleUser      Role = "user"
	RoleAnnotator Role = "annotator"
	RoleReviewer  Role = "reviewer"
)

// ValidRoles lists every role accepted by the API.
var ValidRoles = []Role{RoleAdmin, RoleUser, RoleAnnotator, RoleReviewer}

// Capability names an operation a role may perform. Permission checks go
// through Role.Can instead of comparing role strings at call sites.
type Capability string

const (
	CapCreateText  Capability = "create_text"
	CapAnnotate    Capability = "annotate"
	CapReview      Capability = "review"
	CapManageUsers Capability = "manage_users"
	CapDeleteText  Capability = "delete_text"
	CapViewStats   Capability = "view_stats"
)

var roleCapabilities = map[Role]map[Capability]bool{
	RoleAdmin: {
		CapCreateText:  true,
		CapAnnotate:    true,
		CapReview:      true,
		CapManageUsers: true,
		CapDeleteText:  true,
		CapViewStats:   true,
	},
	RoleUser: {
		CapCreateText: true,
		CapAnnotate:   true,
	},
	RoleAnnotator: {
		CapAnnotate:  true,
		CapViewStats: true,
	},
	RoleReviewer: {
		CapReview:    true,
		CapViewStats: true,
	},
}

// Can reports whether the role grants the capability.
func (r Role) Can(c Capability) bool {
	return roleCapabilities[r][c]
}

// IsValidRole reports whether the value is a member of the role enumeration.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if v == r {
			return true
		}
	}
	return false
}

// User is an authenticated principal provisioned from the external identity
// provider. SubjectID is the provider's stable subject claim.
type User struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	SubjectID string `gorm:"uniqueIndex;not null" json:"subject_id"`
	Username  string `gorm:"uniqueIndex;not null" json:"username"`
	Email     string `gorm:"index" json:"email"`
	FullName  string `json:"full_name"`
	Picture   string `json:"picture"`
	Role      Role   `gorm:"type:string;not null;default:user" json:"role"`
	IsActive  bool   `gorm:"default:true" json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
