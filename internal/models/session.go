package models

import "time"

const (
	SessionStatusCreating = "CREATING"
	SessionStatusRunning  = "RUNNING"
	SessionStatusStopping = "STOPPING"
	SessionStatusStopped  = "STOPPED"
	SessionStatusRemoving = "REMOVING"
	SessionStatusFailed   = "FAILED"
)

// Session is one live container bound to a (user, desktop image) pair. The
// proxy path is the only identifier ever exposed to clients; the container
// handle and host port stay internal.
type Session struct {
	SessionID      string     `gorm:"size:36;primaryKey;column:session_id" json:"session_id"`
	UserID         string     `gorm:"size:128;index;not null" json:"user_id"`
	DesktopImageID uint       `gorm:"index;not null" json:"desktop_image_id"`
	ContainerID    string     `gorm:"size:128" json:"-"`
	ContainerName  string     `gorm:"size:128;uniqueIndex" json:"-"`
	ImageRef       string     `gorm:"size:256;not null" json:"-"`
	HostPort       *int       `json:"-"`
	ProxyPath      string     `gorm:"size:64;uniqueIndex;not null" json:"proxy_path"`
	Status         string     `gorm:"size:32;not null" json:"status"`
	StatusMessage  string     `gorm:"size:512" json:"status_message"`
	FolderPath     string     `gorm:"size:512" json:"folder_path"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at"`
	StoppedAt      *time.Time `json:"stopped_at"`
	LastActiveAt   time.Time  `json:"last_active_at"`
}

func (Session) TableName() string {
	return "desktop_sessions"
}

// Terminal reports whether the session can never serve traffic again without
// a fresh start.
func (s *Session) Terminal() bool {
	return s.Status == SessionStatusStopped || s.Status == SessionStatusFailed
}

// Active is the complement of Terminal for lifecycle bookkeeping.
func (s *Session) Active() bool {
	return !s.Terminal()
}
