package models

import (
	"errors"
	"time"
)

var ErrInvalidAssignmentTarget = errors.New("assignment must target exactly one of group or user")

// DesktopAssignment grants a group or a single user access to a desktop image,
// optionally binding a content folder that is mounted into launched sessions.
// An image with no assignment rows is open to every authenticated user.
type DesktopAssignment struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	DesktopImageID uint      `gorm:"index;not null" json:"desktop_image_id"`
	GroupID        *uint     `gorm:"index" json:"group_id"`
	UserID         *string   `gorm:"size:128;index" json:"user_id"`
	FolderPath     string    `gorm:"size:512" json:"folder_path"`
	FolderName     string    `gorm:"size:128" json:"folder_name"`
	CreatedBy      string    `gorm:"size:128;not null" json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (DesktopAssignment) TableName() string {
	return "desktop_assignments"
}

// Validate enforces the exactly-one-target invariant at the boundary, not
// just in the database schema.
func (a *DesktopAssignment) Validate() error {
	hasGroup := a.GroupID != nil
	hasUser := a.UserID != nil && *a.UserID != ""
	if hasGroup == hasUser {
		return ErrInvalidAssignmentTarget
	}
	return nil
}
