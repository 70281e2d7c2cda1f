package access

import (
	"context"
	"fmt"

	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/models"
)

// AssignmentSource supplies assignment rows for one image, ordered by id.
type AssignmentSource interface {
	ListByImage(ctx context.Context, imageID uint) ([]models.DesktopAssignment, error)
}

// ImageSource supplies the enabled desktop image catalogue.
type ImageSource interface {
	ListEnabled(ctx context.Context) ([]models.DesktopImage, error)
}

// FolderBinding is the content folder attached to a granted launch.
type FolderBinding struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

// Decision is the outcome of resolving a launch request.
type Decision struct {
	Allowed bool
	Folder  *FolderBinding
}

// AvailableImage pairs a launchable image with the folder the principal
// would receive.
type AvailableImage struct {
	Image  models.DesktopImage `json:"image"`
	Folder *FolderBinding      `json:"folder,omitempty"`
}

type Resolver struct {
	assignments AssignmentSource
	images      ImageSource
}

func NewResolver(assignments AssignmentSource, images ImageSource) *Resolver {
	return &Resolver{assignments: assignments, images: images}
}

// Resolve decides whether the principal may launch the image and which folder
// binding applies. An image with zero assignment rows is open to everyone.
// When several rows match, a direct user assignment wins over any group
// assignment; among group rows the lowest assignment id wins. Any store error
// denies access.
func (r *Resolver) Resolve(ctx context.Context, userID string, groupIDs []uint, imageID uint) (Decision, error) {
	rows, err := r.assignments.ListByImage(ctx, imageID)
	if err != nil {
		return Decision{}, fmt.Errorf("loading assignments for image %d: %w", imageID, err)
	}
	if len(rows) == 0 {
		return Decision{Allowed: true}, nil
	}

	memberOf := make(map[uint]bool, len(groupIDs))
	for _, id := range groupIDs {
		memberOf[id] = true
	}

	var groupMatch *models.DesktopAssignment
	for i := range rows {
		row := &rows[i]
		if row.UserID != nil && *row.UserID == userID {
			return Decision{Allowed: true, Folder: folderOf(row)}, nil
		}
		if groupMatch == nil && row.GroupID != nil && memberOf[*row.GroupID] {
			groupMatch = row
		}
	}
	if groupMatch != nil {
		return Decision{Allowed: true, Folder: folderOf(groupMatch)}, nil
	}
	return Decision{}, nil
}

// AvailableImages lists every enabled image the principal may launch, with the
// folder binding a launch would receive.
func (r *Resolver) AvailableImages(ctx context.Context, userID string, groupIDs []uint) ([]AvailableImage, error) {
	images, err := r.images.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading enabled images: %w", err)
	}

	available := make([]AvailableImage, 0, len(images))
	for _, image := range images {
		decision, err := r.Resolve(ctx, userID, groupIDs, image.ID)
		if err != nil {
			return nil, err
		}
		if decision.Allowed {
			available = append(available, AvailableImage{Image: image, Folder: decision.Folder})
		}
	}
	return available, nil
}

func folderOf(row *models.DesktopAssignment) *FolderBinding {
	if row.FolderPath == "" {
		return nil
	}
	return &FolderBinding{Path: row.FolderPath, Name: row.FolderName}
}
