package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/models"
)

type ImageRepository struct {
	db *gorm.DB
}

func NewImageRepository(db *gorm.DB) *ImageRepository {
	return &ImageRepository{db: db}
}

func (r *ImageRepository) Create(ctx context.Context, image *models.DesktopImage) error {
	return r.db.WithContext(ctx).Create(image).Error
}

func (r *ImageRepository) Update(ctx context.Context, image *models.DesktopImage) error {
	return r.db.WithContext(ctx).Save(image).Error
}

// Delete removes the image and, via the cascade, its assignment rows.
func (r *ImageRepository) Delete(ctx context.Context, imageID uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("desktop_image_id = ?", imageID).
			Delete(&models.DesktopAssignment{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.DesktopImage{}, imageID).Error
	})
}

func (r *ImageRepository) GetByID(ctx context.Context, imageID uint) (*models.DesktopImage, error) {
	var image models.DesktopImage
	if err := r.db.WithContext(ctx).First(&image, imageID).Error; err != nil {
		return nil, err
	}
	return &image, nil
}

func (r *ImageRepository) GetByName(ctx context.Context, name string) (*models.DesktopImage, error) {
	var image models.DesktopImage
	if err := r.db.WithContext(ctx).First(&image, "name = ?", name).Error; err != nil {
		return nil, err
	}
	return &image, nil
}

func (r *ImageRepository) ListAll(ctx context.Context) ([]models.DesktopImage, error) {
	var images []models.DesktopImage
	if err := r.db.WithContext(ctx).Order("name").Find(&images).Error; err != nil {
		return nil, err
	}
	return images, nil
}

func (r *ImageRepository) ListEnabled(ctx context.Context) ([]models.DesktopImage, error) {
	var images []models.DesktopImage
	if err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("name").
		Find(&images).Error; err != nil {
		return nil, err
	}
	return images, nil
}
