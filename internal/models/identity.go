package models

import "time"

// User and Group rows are sourced from the identity provider sync and are
// read-only from the broker's perspective.

type User struct {
	ID        string    `gorm:"size:128;primaryKey" json:"id"`
	Username  string    `gorm:"size:128;uniqueIndex;not null" json:"username"`
	Role      string    `gorm:"size:32;default:student" json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

func (User) TableName() string {
	return "users"
}

type Group struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Name       string    `gorm:"size:128;not null" json:"name"`
	ExternalID string    `gorm:"size:128;uniqueIndex" json:"external_id"`
	CreatedAt  time.Time `json:"created_at"`
}

func (Group) TableName() string {
	return "groups"
}
