package users

import (
	"strings"
	"time"
)

// Identity maps a provider-specific login onto a canonical user id and the profile
// fields shown as a document owner.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// PreferredName returns the name written into mirror files: the display name,
// falling back to the email and then the canonical id.
func (i Identity) PreferredName() string {
	if name := normalize(i.DisplayName); name != "" {
		return name
	}
	if email := normalize(i.Email); email != "" {
		return email
	}
	return i.UserID
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
