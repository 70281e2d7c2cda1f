package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/models"
)

var sessionActiveStatuses = []string{
	models.SessionStatusCreating,
	models.SessionStatusRunning,
	models.SessionStatusStopping,
	models.SessionStatusRemoving,
}

type SessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Create(ctx context.Context, session *models.Session) error {
	return r.db.WithContext(ctx).Create(session).Error
}

func (r *SessionRepository) Update(ctx context.Context, session *models.Session) error {
	return r.db.WithContext(ctx).Save(session).Error
}

func (r *SessionRepository) Delete(ctx context.Context, sessionID string) error {
	return r.db.WithContext(ctx).Delete(&models.Session{}, "session_id = ?", sessionID).Error
}

func (r *SessionRepository) GetByID(ctx context.Context, sessionID string) (*models.Session, error) {
	var session models.Session
	if err := r.db.WithContext(ctx).First(&session, "session_id = ?", sessionID).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *SessionRepository) GetByProxyPath(ctx context.Context, proxyPath string) (*models.Session, error) {
	var session models.Session
	if err := r.db.WithContext(ctx).First(&session, "proxy_path = ?", proxyPath).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

// GetActive returns the one non-terminal session for a (user, image) pair, or
// gorm.ErrRecordNotFound.
func (r *SessionRepository) GetActive(ctx context.Context, userID string, imageID uint) (*models.Session, error) {
	var session models.Session
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND desktop_image_id = ?", userID, imageID).
		Where("status IN ?", sessionActiveStatuses).
		Order("created_at DESC").
		First(&session).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *SessionRepository) ListByUser(ctx context.Context, userID string) ([]models.Session, error) {
	var sessions []models.Session
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *SessionRepository) ListAll(ctx context.Context) ([]models.Session, error) {
	var sessions []models.Session
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *SessionRepository) ListActive(ctx context.Context) ([]models.Session, error) {
	var sessions []models.Session
	if err := r.db.WithContext(ctx).
		Where("status IN ?", sessionActiveStatuses).
		Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *SessionRepository) ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]models.Session, error) {
	var sessions []models.Session
	if err := r.db.WithContext(ctx).
		Where("status IN ?", []string{models.SessionStatusStopped, models.SessionStatusFailed}).
		Where("stopped_at IS NOT NULL AND stopped_at < ?", cutoff).
		Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *SessionRepository) CountActiveByImage(ctx context.Context, imageID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("desktop_image_id = ?", imageID).
		Where("status IN ?", sessionActiveStatuses).
		Count(&count).Error
	return count, err
}

func (r *SessionRepository) Touch(ctx context.Context, sessionID string) error {
	return r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("session_id = ?", sessionID).
		Update("last_active_at", time.Now()).Error
}
