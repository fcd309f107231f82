package users

import (
	"strings"
	"time"
)

// Profile is the stored contact and locale information of a notification recipient.
type Profile struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Email       string    `gorm:"column:email;size:320;index"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	Language    string    `gorm:"column:language;size:35"`
	PushKey     string    `gorm:"column:push_key;size:190"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing recipient profiles.
func (Profile) TableName() string {
	return "recipient_profiles"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
