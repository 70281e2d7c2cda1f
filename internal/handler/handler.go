package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/access"
	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/events"
	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/models"
	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/ports"
	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/pull"
	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/session"
	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/ws"
)

// Lifecycle is the session manager surface the HTTP layer consumes.
type Lifecycle interface {
	Start(ctx context.Context, principal session.Principal, imageID uint) (*session.StartResult, error)
	Stop(ctx context.Context, sessionID string) (*models.Session, error)
	Remove(ctx context.Context, sessionID string) error
	StopAll(ctx context.Context) []session.BatchResult
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	Health(ctx context.Context, sessionID string) (*session.HealthReport, error)
	List(ctx context.Context, userID string) ([]models.Session, error)
	ListAll(ctx context.Context) ([]models.Session, error)
	HasActiveSessions(ctx context.Context, imageID uint) (bool, error)
}

// Catalogue lists the desktops a principal may launch.
type Catalogue interface {
	AvailableImages(ctx context.Context, userID string, groupIDs []uint) ([]access.AvailableImage, error)
}

type ImageStore interface {
	Create(ctx context.Context, image *models.DesktopImage) error
	Update(ctx context.Context, image *models.DesktopImage) error
	Delete(ctx context.Context, imageID uint) error
	GetByID(ctx context.Context, imageID uint) (*models.DesktopImage, error)
	GetByName(ctx context.Context, name string) (*models.DesktopImage, error)
	ListAll(ctx context.Context) ([]models.DesktopImage, error)
}

type AssignmentStore interface {
	Create(ctx context.Context, assignment *models.DesktopAssignment) error
	Update(ctx context.Context, assignment *models.DesktopAssignment) error
	Delete(ctx context.Context, assignmentID uint) error
	GetByID(ctx context.Context, assignmentID uint) (*models.DesktopAssignment, error)
	ListByImage(ctx context.Context, imageID uint) ([]models.DesktopAssignment, error)
	ListByCreator(ctx context.Context, creatorID string) ([]models.DesktopAssignment, error)
}

// PullService is the async image pull surface; satisfied by pull.Orchestrator.
type PullService interface {
	Request(ctx context.Context, imageRef string) string
	RequestBatch(ctx context.Context, imageRefs []string) map[string]string
	Subscribe(jobID string) (<-chan events.PullStatus, func(), bool)
	Job(jobID string) (pull.JobStatus, bool)
}

type Handler struct {
	auth        Authenticator
	lifecycle   Lifecycle
	catalogue   Catalogue
	images      ImageStore
	assignments AssignmentStore
	pulls       PullService
	hub         *ws.Hub
}

func New(
	auth Authenticator,
	lifecycle Lifecycle,
	catalogue Catalogue,
	images ImageStore,
	assignments AssignmentStore,
	pulls PullService,
	hub *ws.Hub,
) *Handler {
	return &Handler{
		auth:        auth,
		lifecycle:   lifecycle,
		catalogue:   catalogue,
		images:      images,
		assignments: assignments,
		pulls:       pulls,
		hub:         hub,
	}
}

func (h *Handler) Register(r *gin.Engine) {
	api := r.Group("/api")
	api.GET("/health", h.Health)

	authed := api.Group("", h.auth.Require())
	{
		authed.GET("/desktops", h.AvailableDesktops)
		authed.POST("/desktops/:imageID/start", h.StartSession)
		authed.POST("/desktops/:imageID/stop", h.StopDesktop)
		authed.GET("/sessions", h.ListSessions)
		authed.GET("/sessions/:id", h.GetSession)
		authed.GET("/sessions/:id/health", h.SessionHealth)
		authed.POST("/sessions/:id/stop", h.StopSession)
		authed.DELETE("/sessions/:id", h.DeleteSession)
		authed.GET("/ws", h.WebSocket)
	}

	staff := authed.Group("/manage", RequireTeacher())
	{
		staff.GET("/assignments", h.ListAssignments)
		staff.POST("/assignments", h.CreateAssignment)
		staff.PUT("/assignments/:id", h.UpdateAssignment)
		staff.DELETE("/assignments/:id", h.DeleteAssignment)
		staff.GET("/sessions", h.ListAllSessions)
	}

	admin := authed.Group("/admin", RequireAdmin())
	{
		admin.GET("/images", h.ListImages)
		admin.POST("/images", h.CreateImage)
		admin.PUT("/images/:id", h.UpdateImage)
		admin.DELETE("/images/:id", h.DeleteImage)
		admin.POST("/images/:id/pull", h.PullImage)
		admin.POST("/images/pull-all", h.PullAllImages)
		admin.GET("/pulls/:jobID", h.PullJobStatus)
		admin.GET("/pulls/:jobID/ws", h.PullJobStream)
		admin.DELETE("/sessions/:id", h.RemoveSession)
		admin.POST("/sessions/stop-all", h.StopAllSessions)
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) WebSocket(c *gin.Context) {
	h.hub.HandleConnection(c, CurrentPrincipal(c))
}

func (h *Handler) errorResponse(c *gin.Context, statusCode int, message string, err error) {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = fmt.Sprintf("%.8s", uuid.New().String())
	}

	body := gin.H{
		"error":      message,
		"request_id": requestID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"endpoint":   c.Request.URL.Path,
	}
	if err != nil {
		body["details"] = err.Error()
	}
	c.JSON(statusCode, body)
}

// lifecycleError maps manager errors onto HTTP statuses. Capacity exhaustion
// is a retryable 503, state conflicts a 409.
func (h *Handler) lifecycleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrAccessDenied):
		h.errorResponse(c, http.StatusForbidden, "Access to this desktop is denied", err)
	case errors.Is(err, session.ErrImageDisabled):
		h.errorResponse(c, http.StatusForbidden, "This desktop is currently disabled", err)
	case errors.Is(err, session.ErrImageNotFound):
		h.errorResponse(c, http.StatusNotFound, "Desktop image not found", err)
	case errors.Is(err, session.ErrNotFound):
		h.errorResponse(c, http.StatusNotFound, "Session not found", err)
	case errors.Is(err, session.ErrInvalidState):
		h.errorResponse(c, http.StatusConflict, "Session is not in a state that allows this operation", err)
	case errors.Is(err, ports.ErrExhausted):
		c.Header("Retry-After", "30")
		h.errorResponse(c, http.StatusServiceUnavailable, "No desktop capacity available, try again later", err)
	default:
		h.errorResponse(c, http.StatusInternalServerError, "Internal server error", err)
	}
}
