package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/models"
)

type AssignmentRepository struct {
	db *gorm.DB
}

func NewAssignmentRepository(db *gorm.DB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

func (r *AssignmentRepository) Create(ctx context.Context, assignment *models.DesktopAssignment) error {
	if err := assignment.Validate(); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(assignment).Error
}

func (r *AssignmentRepository) Update(ctx context.Context, assignment *models.DesktopAssignment) error {
	if err := assignment.Validate(); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Save(assignment).Error
}

func (r *AssignmentRepository) Delete(ctx context.Context, assignmentID uint) error {
	return r.db.WithContext(ctx).Delete(&models.DesktopAssignment{}, assignmentID).Error
}

func (r *AssignmentRepository) GetByID(ctx context.Context, assignmentID uint) (*models.DesktopAssignment, error) {
	var assignment models.DesktopAssignment
	if err := r.db.WithContext(ctx).First(&assignment, assignmentID).Error; err != nil {
		return nil, err
	}
	return &assignment, nil
}

// ListByImage returns assignment rows ordered by id so access decisions stay
// deterministic when several rows match.
func (r *AssignmentRepository) ListByImage(ctx context.Context, imageID uint) ([]models.DesktopAssignment, error) {
	var assignments []models.DesktopAssignment
	if err := r.db.WithContext(ctx).
		Where("desktop_image_id = ?", imageID).
		Order("id").
		Find(&assignments).Error; err != nil {
		return nil, err
	}
	return assignments, nil
}

func (r *AssignmentRepository) ListByCreator(ctx context.Context, creatorID string) ([]models.DesktopAssignment, error) {
	var assignments []models.DesktopAssignment
	if err := r.db.WithContext(ctx).
		Where("created_by = ?", creatorID).
		Order("id").
		Find(&assignments).Error; err != nil {
		return nil, err
	}
	return assignments, nil
}
