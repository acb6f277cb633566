package models

import "time"

// UserRejectedText is one entry in the rejection ledger: the user has passed
// on the text and must never be offered it again. The (user, text) pair is
// unique; a repeat rejection is a no-op. Entries are removed only by explicit
// deletion, never by status changes on either side.
type UserRejectedText struct {
	ID     uint `gorm:"primaryKey" json:"id"`
	UserID uint `gorm:"not null;index;uniqueIndex:uniq_user_text_rejection" json:"user_id"`
	TextID uint `gorm:"not null;index;uniqueIndex:uniq_user_text_rejection" json:"text_id"`

	RejectedAt time.Time `gorm:"autoCreateTime" json:"rejected_at"`
}
