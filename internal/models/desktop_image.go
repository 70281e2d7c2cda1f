package models

import "time"

// DesktopImage is a launchable desktop environment, managed by admins.
// Disabling an image blocks new launches but leaves running sessions alone.
type DesktopImage struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"size:128;uniqueIndex;not null" json:"name"`
	DockerImage string    `gorm:"size:256;not null" json:"docker_image"`
	Description string    `gorm:"type:text" json:"description"`
	Icon        string    `gorm:"size:255" json:"icon"`
	Enabled     bool      `gorm:"default:true" json:"enabled"`
	CreatedBy   string    `gorm:"size:128" json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (DesktopImage) TableName() string {
	return "desktop_images"
}
