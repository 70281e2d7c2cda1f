package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/models"
	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/ws"
)

func (h *Handler) ListImages(c *gin.Context) {
	images, err := h.images.ListAll(c.Request.Context())
	if err != nil {
		h.errorResponse(c, http.StatusInternalServerError, "Failed to list images", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"images": images})
}

func (h *Handler) CreateImage(c *gin.Context) {
	var body struct {
		Name        string `json:"name" binding:"required"`
		DockerImage string `json:"docker_image" binding:"required"`
		Description string `json:"description"`
		Icon        string `json:"icon"`
		Enabled     *bool  `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	ctx := c.Request.Context()
	if _, err := h.images.GetByName(ctx, body.Name); err == nil {
		h.errorResponse(c, http.StatusConflict, "An image with this name already exists", nil)
		return
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		h.errorResponse(c, http.StatusInternalServerError, "Failed to check image name", err)
		return
	}

	image := &models.DesktopImage{
		Name:        body.Name,
		DockerImage: body.DockerImage,
		Description: body.Description,
		Icon:        body.Icon,
		Enabled:     body.Enabled == nil || *body.Enabled,
		CreatedBy:   CurrentPrincipal(c).UserID,
	}
	if err := h.images.Create(ctx, image); err != nil {
		h.errorResponse(c, http.StatusInternalServerError, "Failed to create image", err)
		return
	}
	c.JSON(http.StatusCreated, image)
}

func (h *Handler) UpdateImage(c *gin.Context) {
	image, ok := h.loadImage(c)
	if !ok {
		return
	}

	var body struct {
		Name        *string `json:"name"`
		DockerImage *string `json:"docker_image"`
		Description *string `json:"description"`
		Icon        *string `json:"icon"`
		Enabled     *bool   `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	if body.Name != nil {
		image.Name = *body.Name
	}
	if body.DockerImage != nil {
		image.DockerImage = *body.DockerImage
	}
	if body.Description != nil {
		image.Description = *body.Description
	}
	if body.Icon != nil {
		image.Icon = *body.Icon
	}
	if body.Enabled != nil {
		image.Enabled = *body.Enabled
	}

	if err := h.images.Update(c.Request.Context(), image); err != nil {
		h.errorResponse(c, http.StatusInternalServerError, "Failed to update image", err)
		return
	}
	c.JSON(http.StatusOK, image)
}

// DeleteImage removes an image and its assignments. An image with live
// sessions cannot be deleted; stop them first.
func (h *Handler) DeleteImage(c *gin.Context) {
	image, ok := h.loadImage(c)
	if !ok {
		return
	}

	live, err := h.lifecycle.HasActiveSessions(c.Request.Context(), image.ID)
	if err != nil {
		h.errorResponse(c, http.StatusInternalServerError, "Failed to check image sessions", err)
		return
	}
	if live {
		h.errorResponse(c, http.StatusConflict, "Image has active sessions, stop them first", nil)
		return
	}

	if err := h.images.Delete(c.Request.Context(), image.ID); err != nil {
		h.errorResponse(c, http.StatusInternalServerError, "Failed to delete image", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": image.ID})
}

func (h *Handler) loadImage(c *gin.Context) (*models.DesktopImage, bool) {
	imageID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, "Invalid image id", err)
		return nil, false
	}
	image, err := h.images.GetByID(c.Request.Context(), uint(imageID))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.errorResponse(c, http.StatusNotFound, "Desktop image not found", nil)
		} else {
			h.errorResponse(c, http.StatusInternalServerError, "Failed to load image", err)
		}
		return nil, false
	}
	return image, true
}

// ListAssignments returns the caller's assignments, or all rows for an image
// when ?image_id= is given. Teachers only see what they created; admins see
// everything.
func (h *Handler) ListAssignments(c *gin.Context) {
	ctx := c.Request.Context()
	principal := CurrentPrincipal(c)

	if raw := c.Query("image_id"); raw != "" {
		imageID, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			h.errorResponse(c, http.StatusBadRequest, "Invalid image id", err)
			return
		}
		rows, err := h.assignments.ListByImage(ctx, uint(imageID))
		if err != nil {
			h.errorResponse(c, http.StatusInternalServerError, "Failed to list assignments", err)
			return
		}
		if !principal.IsAdmin() {
			rows = ownedBy(rows, principal.UserID)
		}
		c.JSON(http.StatusOK, gin.H{"assignments": rows})
		return
	}

	rows, err := h.assignments.ListByCreator(ctx, principal.UserID)
	if err != nil {
		h.errorResponse(c, http.StatusInternalServerError, "Failed to list assignments", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assignments": rows})
}

func ownedBy(rows []models.DesktopAssignment, userID string) []models.DesktopAssignment {
	owned := rows[:0]
	for _, row := range rows {
		if row.CreatedBy == userID {
			owned = append(owned, row)
		}
	}
	return owned
}

func (h *Handler) CreateAssignment(c *gin.Context) {
	var body struct {
		DesktopImageID uint    `json:"desktop_image_id" binding:"required"`
		GroupID        *uint   `json:"group_id"`
		UserID         *string `json:"user_id"`
		FolderPath     string  `json:"folder_path"`
		FolderName     string  `json:"folder_name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	ctx := c.Request.Context()
	if _, err := h.images.GetByID(ctx, body.DesktopImageID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.errorResponse(c, http.StatusNotFound, "Desktop image not found", nil)
		} else {
			h.errorResponse(c, http.StatusInternalServerError, "Failed to load image", err)
		}
		return
	}

	assignment := &models.DesktopAssignment{
		DesktopImageID: body.DesktopImageID,
		GroupID:        body.GroupID,
		UserID:         body.UserID,
		FolderPath:     body.FolderPath,
		FolderName:     body.FolderName,
		CreatedBy:      CurrentPrincipal(c).UserID,
	}
	if err := h.assignments.Create(ctx, assignment); err != nil {
		if errors.Is(err, models.ErrInvalidAssignmentTarget) {
			h.errorResponse(c, http.StatusBadRequest, "Assignment must target exactly one of group or user", err)
		} else {
			h.errorResponse(c, http.StatusInternalServerError, "Failed to create assignment", err)
		}
		return
	}
	c.JSON(http.StatusCreated, assignment)
}

func (h *Handler) UpdateAssignment(c *gin.Context) {
	assignment, ok := h.loadOwnedAssignment(c)
	if !ok {
		return
	}

	var body struct {
		GroupID    *uint   `json:"group_id"`
		UserID     *string `json:"user_id"`
		FolderPath *string `json:"folder_path"`
		FolderName *string `json:"folder_name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	// Retargeting replaces the whole target, never merges group and user.
	if body.GroupID != nil || body.UserID != nil {
		assignment.GroupID = body.GroupID
		assignment.UserID = body.UserID
	}
	if body.FolderPath != nil {
		assignment.FolderPath = *body.FolderPath
	}
	if body.FolderName != nil {
		assignment.FolderName = *body.FolderName
	}

	if err := h.assignments.Update(c.Request.Context(), assignment); err != nil {
		if errors.Is(err, models.ErrInvalidAssignmentTarget) {
			h.errorResponse(c, http.StatusBadRequest, "Assignment must target exactly one of group or user", err)
		} else {
			h.errorResponse(c, http.StatusInternalServerError, "Failed to update assignment", err)
		}
		return
	}
	c.JSON(http.StatusOK, assignment)
}

func (h *Handler) DeleteAssignment(c *gin.Context) {
	assignment, ok := h.loadOwnedAssignment(c)
	if !ok {
		return
	}
	if err := h.assignments.Delete(c.Request.Context(), assignment.ID); err != nil {
		h.errorResponse(c, http.StatusInternalServerError, "Failed to delete assignment", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": assignment.ID})
}

func (h *Handler) loadOwnedAssignment(c *gin.Context) (*models.DesktopAssignment, bool) {
	assignmentID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, "Invalid assignment id", err)
		return nil, false
	}

	assignment, err := h.assignments.GetByID(c.Request.Context(), uint(assignmentID))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.errorResponse(c, http.StatusNotFound, "Assignment not found", nil)
		} else {
			h.errorResponse(c, http.StatusInternalServerError, "Failed to load assignment", err)
		}
		return nil, false
	}

	principal := CurrentPrincipal(c)
	if assignment.CreatedBy != principal.UserID && !principal.IsAdmin() {
		h.errorResponse(c, http.StatusForbidden, "Not your assignment", nil)
		return nil, false
	}
	return assignment, true
}

func (h *Handler) ListAllSessions(c *gin.Context) {
	sessions, err := h.lifecycle.ListAll(c.Request.Context())
	if err != nil {
		h.errorResponse(c, http.StatusInternalServerError, "Failed to list sessions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) RemoveSession(c *gin.Context) {
	if err := h.lifecycle.Remove(c.Request.Context(), c.Param("id")); err != nil {
		h.lifecycleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": c.Param("id")})
}

func (h *Handler) StopAllSessions(c *gin.Context) {
	results := h.lifecycle.StopAll(c.Request.Context())
	stopped := 0
	failed := make([]string, 0)
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r.SessionID)
		} else {
			stopped++
		}
	}
	c.JSON(http.StatusOK, gin.H{"stopped": stopped, "failed": failed})
}

// PullImage starts (or joins) an async pull of one image and returns the job
// id to follow.
func (h *Handler) PullImage(c *gin.Context) {
	image, ok := h.loadImage(c)
	if !ok {
		return
	}
	jobID := h.pulls.Request(c.Request.Context(), image.DockerImage)
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "image_ref": image.DockerImage})
}

// PullAllImages pre-pulls every registered image. Pulls already in flight are
// joined, not duplicated.
func (h *Handler) PullAllImages(c *gin.Context) {
	images, err := h.images.ListAll(c.Request.Context())
	if err != nil {
		h.errorResponse(c, http.StatusInternalServerError, "Failed to list images", err)
		return
	}

	refs := make([]string, 0, len(images))
	for _, image := range images {
		refs = append(refs, image.DockerImage)
	}
	jobs := h.pulls.RequestBatch(c.Request.Context(), refs)
	c.JSON(http.StatusAccepted, gin.H{"jobs": jobs})
}

func (h *Handler) PullJobStatus(c *gin.Context) {
	job, ok := h.pulls.Job(c.Param("jobID"))
	if !ok {
		h.errorResponse(c, http.StatusNotFound, "Pull job not found", nil)
		return
	}
	c.JSON(http.StatusOK, job)
}

// PullJobStream upgrades to a websocket and relays the job's progress events,
// the buffered history first.
func (h *Handler) PullJobStream(c *gin.Context) {
	sub, cancel, ok := h.pulls.Subscribe(c.Param("jobID"))
	if !ok {
		h.errorResponse(c, http.StatusNotFound, "Pull job not found", nil)
		return
	}
	ws.StreamPullJob(c, sub, cancel)
}
