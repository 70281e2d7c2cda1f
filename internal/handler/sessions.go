package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// AvailableDesktops lists the enabled desktops the caller may launch, each
// with the content folder a launch would mount.
func (h *Handler) AvailableDesktops(c *gin.Context) {
	principal := CurrentPrincipal(c)
	available, err := h.catalogue.AvailableImages(c.Request.Context(), principal.UserID, principal.GroupIDs)
	if err != nil {
		h.errorResponse(c, http.StatusInternalServerError, "Failed to list desktops", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"desktops": available})
}

// StartSession launches a desktop, or returns the caller's live session for
// the same image. 200 marks reuse, 201 a fresh container.
func (h *Handler) StartSession(c *gin.Context) {
	imageID, err := strconv.ParseUint(c.Param("imageID"), 10, 32)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, "Invalid image id", err)
		return
	}

	res, err := h.lifecycle.Start(c.Request.Context(), CurrentPrincipal(c), uint(imageID))
	if err != nil {
		h.lifecycleError(c, err)
		return
	}

	status := http.StatusCreated
	if res.AlreadyRunning {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.lifecycle.List(c.Request.Context(), CurrentPrincipal(c).UserID)
	if err != nil {
		h.errorResponse(c, http.StatusInternalServerError, "Failed to list sessions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.lifecycle.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.lifecycleError(c, err)
		return
	}
	principal := CurrentPrincipal(c)
	if sess.UserID != principal.UserID && !principal.IsTeacher() {
		h.errorResponse(c, http.StatusForbidden, "Not your session", nil)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// StopDesktop stops the caller's live session for an image, the counterpart
// to StartSession for clients that track desktops rather than session ids.
func (h *Handler) StopDesktop(c *gin.Context) {
	imageID, err := strconv.ParseUint(c.Param("imageID"), 10, 32)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, "Invalid image id", err)
		return
	}

	ctx := c.Request.Context()
	sessions, err := h.lifecycle.List(ctx, CurrentPrincipal(c).UserID)
	if err != nil {
		h.errorResponse(c, http.StatusInternalServerError, "Failed to list sessions", err)
		return
	}
	for i := range sessions {
		sess := &sessions[i]
		if sess.DesktopImageID != uint(imageID) || !sess.Active() {
			continue
		}
		stopped, err := h.lifecycle.Stop(ctx, sess.SessionID)
		if err != nil {
			h.lifecycleError(c, err)
			return
		}
		c.JSON(http.StatusOK, stopped)
		return
	}
	h.errorResponse(c, http.StatusNotFound, "No running session for this desktop", nil)
}

// SessionHealth reports the stored state plus the runtime's live view of the
// container.
func (h *Handler) SessionHealth(c *gin.Context) {
	sess, err := h.lifecycle.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.lifecycleError(c, err)
		return
	}
	principal := CurrentPrincipal(c)
	if sess.UserID != principal.UserID && !principal.IsTeacher() {
		h.errorResponse(c, http.StatusForbidden, "Not your session", nil)
		return
	}

	report, err := h.lifecycle.Health(c.Request.Context(), sess.SessionID)
	if err != nil {
		h.lifecycleError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// DeleteSession removes the caller's own terminal session and its leftover
// container.
func (h *Handler) DeleteSession(c *gin.Context) {
	sess, err := h.lifecycle.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.lifecycleError(c, err)
		return
	}
	principal := CurrentPrincipal(c)
	if sess.UserID != principal.UserID && !principal.IsAdmin() {
		h.errorResponse(c, http.StatusForbidden, "Not your session", nil)
		return
	}

	if err := h.lifecycle.Remove(c.Request.Context(), sess.SessionID); err != nil {
		h.lifecycleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": sess.SessionID})
}

// StopSession stops the caller's own session; staff may stop anyone's.
func (h *Handler) StopSession(c *gin.Context) {
	sess, err := h.lifecycle.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.lifecycleError(c, err)
		return
	}
	principal := CurrentPrincipal(c)
	if sess.UserID != principal.UserID && !principal.IsTeacher() {
		h.errorResponse(c, http.StatusForbidden, "Not your session", nil)
		return
	}

	stopped, err := h.lifecycle.Stop(c.Request.Context(), sess.SessionID)
	if err != nil {
		h.lifecycleError(c, err)
		return
	}
	c.JSON(http.StatusOK, stopped)
}
