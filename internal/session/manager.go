package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/access"
	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/events"
	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/models"
	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/ports"
	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/runtime"
)

var (
	ErrAccessDenied  = errors.New("access to desktop image denied")
	ErrImageNotFound = errors.New("desktop image not found")
	ErrImageDisabled = errors.New("desktop image is disabled")
	ErrNotFound      = errors.New("session not found")
	ErrInvalidState  = errors.New("invalid session state")
)

// SIGTERM grace handed to the container on stop, within the overall runtime
// call timeout.
const stopGrace = 10 * time.Second

const folderMountPoint = "/home/kasm-user/public/assignment"

// Principal is the already-authenticated caller as handed over by the
// identity layer.
type Principal struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	GroupIDs []uint `json:"group_ids"`
}

func (p Principal) IsAdmin() bool   { return p.Role == "admin" }
func (p Principal) IsTeacher() bool { return p.Role == "teacher" || p.Role == "admin" }

// SessionStore is the persistence the manager needs; satisfied by
// repository.SessionRepository.
type SessionStore interface {
	Create(ctx context.Context, session *models.Session) error
	Update(ctx context.Context, session *models.Session) error
	Delete(ctx context.Context, sessionID string) error
	GetByID(ctx context.Context, sessionID string) (*models.Session, error)
	GetByProxyPath(ctx context.Context, proxyPath string) (*models.Session, error)
	GetActive(ctx context.Context, userID string, imageID uint) (*models.Session, error)
	ListByUser(ctx context.Context, userID string) ([]models.Session, error)
	ListAll(ctx context.Context) ([]models.Session, error)
	ListActive(ctx context.Context) ([]models.Session, error)
	ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]models.Session, error)
	CountActiveByImage(ctx context.Context, imageID uint) (int64, error)
	Touch(ctx context.Context, sessionID string) error
}

// ImageStore is satisfied by repository.ImageRepository.
type ImageStore interface {
	GetByID(ctx context.Context, imageID uint) (*models.DesktopImage, error)
}

// AccessResolver is satisfied by access.Resolver.
type AccessResolver interface {
	Resolve(ctx context.Context, userID string, groupIDs []uint, imageID uint) (access.Decision, error)
}

// RouteTable is the proxy routing table; satisfied by proxy.Router.
type RouteTable interface {
	Register(token string, port int)
	Deregister(token string)
}

type Options struct {
	ContainerPort    int
	RuntimeTimeout   time.Duration
	IdleTimeout      time.Duration
	ReaperInterval   time.Duration
	CleanupRetention time.Duration
	CleanupInterval  time.Duration
	FolderRoot       string
	ExternalBaseURL  string
	VNCUser          string
	VNCPassword      string
	ShmSizeBytes     int64
	MemoryBytes      int64
	NanoCPUs         int64
}

// Manager owns the session state machine. All mutations of session rows, the
// port pool and the routing table happen here, serialized per (user, image)
// key.
type Manager struct {
	sessions  SessionStore
	images    ImageStore
	resolver  AccessResolver
	ports     *ports.Allocator
	rt        runtime.Runtime
	routes    RouteTable
	publisher events.Publisher
	opts      Options

	locks *keyedMutex

	mu     sync.Mutex
	tokens map[string]string // proxy path -> session id, for activity updates
}

func NewManager(
	sessions SessionStore,
	images ImageStore,
	resolver AccessResolver,
	allocator *ports.Allocator,
	rt runtime.Runtime,
	routes RouteTable,
	publisher events.Publisher,
	opts Options,
) *Manager {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Manager{
		sessions:  sessions,
		images:    images,
		resolver:  resolver,
		ports:     allocator,
		rt:        rt,
		routes:    routes,
		publisher: publisher,
		opts:      opts,
		locks:     newKeyedMutex(),
		tokens:    make(map[string]string),
	}
}

// StartResult is what a launch returns to the client: the session and the
// externally reachable URL. AlreadyRunning marks the idempotent case where a
// live session for the same (user, image) pair was returned instead of a new
// container.
type StartResult struct {
	Session        *models.Session `json:"session"`
	URL            string          `json:"url"`
	AlreadyRunning bool            `json:"already_running"`
}

// Start launches a desktop for the principal, or returns the live session for
// the same (user, image) pair. Concurrent calls for one pair collapse onto a
// single container.
func (m *Manager) Start(ctx context.Context, principal Principal, imageID uint) (*StartResult, error) {
	unlock := m.locks.lock(sessionKey(principal.UserID, imageID))
	defer unlock()

	existing, err := m.sessions.GetActive(ctx, principal.UserID, imageID)
	if err == nil {
		// Any non-terminal session answers the start. Callers read the status
		// field and poll instead of racing the state machine; a session on its
		// way down still reports itself rather than spawning a duplicate.
		switch existing.Status {
		case models.SessionStatusCreating, models.SessionStatusRunning:
			if err := m.sessions.Touch(ctx, existing.SessionID); err != nil {
				log.Printf("Failed to touch session %s: %v", existing.SessionID, err)
			}
		}
		return &StartResult{Session: existing, URL: m.externalURL(existing.ProxyPath), AlreadyRunning: true}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("looking up active session: %w", err)
	}

	image, err := m.images.GetByID(ctx, imageID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrImageNotFound
		}
		return nil, fmt.Errorf("loading image %d: %w", imageID, err)
	}
	if !image.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrImageDisabled, image.Name)
	}

	decision, err := m.resolver.Resolve(ctx, principal.UserID, principal.GroupIDs, imageID)
	if err != nil {
		return nil, fmt.Errorf("resolving access: %w", err)
	}
	if !decision.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrAccessDenied, image.Name)
	}

	hostPort, err := m.ports.Acquire()
	if err != nil {
		return nil, fmt.Errorf("acquiring host port: %w", err)
	}

	now := time.Now()
	sess := &models.Session{
		SessionID:      uuid.New().String(),
		UserID:         principal.UserID,
		DesktopImageID: imageID,
		ImageRef:       image.DockerImage,
		HostPort:       &hostPort,
		ProxyPath:      newProxyToken(),
		Status:         models.SessionStatusCreating,
		CreatedAt:      now,
		LastActiveAt:   now,
	}
	sess.ContainerName = fmt.Sprintf("desktop-%s-%s", principal.Username, sess.SessionID[:8])
	if decision.Folder != nil {
		sess.FolderPath = decision.Folder.Path
	}

	if err := m.sessions.Create(ctx, sess); err != nil {
		m.ports.Release(hostPort)
		return nil, fmt.Errorf("persisting session: %w", err)
	}
	m.publishStatus(sess, "")

	rctx, cancel := context.WithTimeout(ctx, m.opts.RuntimeTimeout)
	defer cancel()
	containerID, err := m.rt.CreateAndStart(rctx, m.containerSpec(sess, principal.Username, decision.Folder))
	if err != nil {
		m.ports.Release(hostPort)
		sess.HostPort = nil
		m.markFailed(sess, fmt.Sprintf("container start failed: %v", err))
		return nil, fmt.Errorf("starting container: %w", err)
	}

	started := time.Now()
	sess.ContainerID = containerID
	sess.Status = models.SessionStatusRunning
	sess.StartedAt = &started
	sess.LastActiveAt = started
	if err := m.sessions.Update(ctx, sess); err != nil {
		// The container is up but the authoritative row is not; tear the
		// container back down so store and runtime stay consistent.
		m.teardownOrphan(containerID, sess.ContainerName)
		m.ports.Release(hostPort)
		sess.HostPort = nil
		m.markFailed(sess, fmt.Sprintf("persisting running session failed: %v", err))
		return nil, fmt.Errorf("persisting running session: %w", err)
	}

	m.installRoute(sess, hostPort)
	m.publishStatus(sess, "")
	log.Printf("Session %s running: user=%s image=%s port=%d", sess.SessionID, principal.UserID, image.Name, hostPort)
	return &StartResult{Session: sess, URL: m.externalURL(sess.ProxyPath)}, nil
}

// Stop drives RUNNING -> STOPPING -> STOPPED. Stopping an already terminal
// session is a no-op. A stop racing a start for the same key waits for the
// start to finish.
func (m *Manager) Stop(ctx context.Context, sessionID string) (*models.Session, error) {
	sess, err := m.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.lock(sessionKey(sess.UserID, sess.DesktopImageID))
	defer unlock()

	sess, err = m.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch sess.Status {
	case models.SessionStatusRunning:
	case models.SessionStatusStopped, models.SessionStatusFailed:
		return sess, nil
	default:
		return nil, fmt.Errorf("%w: cannot stop session in state %s", ErrInvalidState, sess.Status)
	}

	sess.Status = models.SessionStatusStopping
	if err := m.sessions.Update(ctx, sess); err != nil {
		return nil, fmt.Errorf("persisting stopping state: %w", err)
	}
	m.removeRoute(sess)

	rctx, cancel := context.WithTimeout(ctx, m.opts.RuntimeTimeout)
	defer cancel()
	err = m.rt.Stop(rctx, sess.ContainerID, stopGrace)
	if err != nil && !errors.Is(err, runtime.ErrNotFound) {
		// The container may still be running and holding its host port, so
		// the port stays leased until Remove reclaims it.
		m.markFailed(sess, fmt.Sprintf("container stop failed: %v", err))
		return nil, fmt.Errorf("stopping container: %w", err)
	}

	now := time.Now()
	port := sess.HostPort
	sess.Status = models.SessionStatusStopped
	sess.StatusMessage = ""
	sess.StoppedAt = &now
	sess.HostPort = nil
	if err := m.sessions.Update(ctx, sess); err != nil {
		return nil, fmt.Errorf("persisting stopped state: %w", err)
	}
	if port != nil {
		m.ports.Release(*port)
	}
	m.publishStatus(sess, "")
	log.Printf("Session %s stopped", sess.SessionID)
	return sess, nil
}

// Remove deletes a terminal session's container and row.
func (m *Manager) Remove(ctx context.Context, sessionID string) error {
	sess, err := m.getSession(ctx, sessionID)
	if err != nil {
		return err
	}

	unlock := m.locks.lock(sessionKey(sess.UserID, sess.DesktopImageID))
	defer unlock()

	sess, err = m.getSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.Terminal() {
		return fmt.Errorf("%w: cannot remove session in state %s", ErrInvalidState, sess.Status)
	}

	sess.Status = models.SessionStatusRemoving
	if err := m.sessions.Update(ctx, sess); err != nil {
		return fmt.Errorf("persisting removing state: %w", err)
	}

	if sess.ContainerID != "" {
		rctx, cancel := context.WithTimeout(ctx, m.opts.RuntimeTimeout)
		defer cancel()
		if err := m.rt.Remove(rctx, sess.ContainerID); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			m.markFailed(sess, fmt.Sprintf("container remove failed: %v", err))
			return fmt.Errorf("removing container: %w", err)
		}
	}

	m.removeRoute(sess)
	// A non-nil HostPort on a terminal row means the session still holds its
	// lease (stop failure); rows whose lease was already returned carry nil.
	if sess.HostPort != nil {
		m.ports.Release(*sess.HostPort)
	}
	if err := m.sessions.Delete(ctx, sess.SessionID); err != nil {
		return fmt.Errorf("deleting session row: %w", err)
	}
	m.publishStatus(sess, "session removed")
	log.Printf("Session %s removed", sess.SessionID)
	return nil
}

// BatchResult reports one session's outcome within a bulk operation.
type BatchResult struct {
	SessionID string `json:"session_id"`
	Err       error  `json:"-"`
}

// StopAll stops every active session. Individual failures are collected, the
// batch never aborts.
func (m *Manager) StopAll(ctx context.Context) []BatchResult {
	sessions, err := m.sessions.ListActive(ctx)
	if err != nil {
		log.Printf("StopAll: listing sessions failed: %v", err)
		return nil
	}

	results := make([]BatchResult, 0, len(sessions))
	for _, sess := range sessions {
		_, err := m.Stop(ctx, sess.SessionID)
		if err != nil {
			log.Printf("StopAll: session %s: %v", sess.SessionID, err)
		}
		results = append(results, BatchResult{SessionID: sess.SessionID, Err: err})
	}
	return results
}

// CleanupTerminal removes terminal sessions older than the retention window.
func (m *Manager) CleanupTerminal(ctx context.Context, olderThan time.Duration) []BatchResult {
	cutoff := time.Now().Add(-olderThan)
	sessions, err := m.sessions.ListTerminalBefore(ctx, cutoff)
	if err != nil {
		log.Printf("Cleanup: listing sessions failed: %v", err)
		return nil
	}

	results := make([]BatchResult, 0, len(sessions))
	for _, sess := range sessions {
		err := m.Remove(ctx, sess.SessionID)
		if err != nil {
			log.Printf("Cleanup: session %s: %v", sess.SessionID, err)
		}
		results = append(results, BatchResult{SessionID: sess.SessionID, Err: err})
	}
	if len(results) > 0 {
		log.Printf("Cleaned up %d terminal sessions", len(results))
	}
	return results
}

func (m *Manager) List(ctx context.Context, userID string) ([]models.Session, error) {
	return m.sessions.ListByUser(ctx, userID)
}

func (m *Manager) ListAll(ctx context.Context) ([]models.Session, error) {
	return m.sessions.ListAll(ctx)
}

func (m *Manager) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	return m.getSession(ctx, sessionID)
}

// HealthReport pairs the stored session state with the runtime's view of the
// container, so an externally killed container shows up before the reaper
// notices.
type HealthReport struct {
	SessionID        string `json:"session_id"`
	Status           string `json:"status"`
	ContainerRunning bool   `json:"container_running"`
}

func (m *Manager) Health(ctx context.Context, sessionID string) (*HealthReport, error) {
	sess, err := m.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	report := &HealthReport{SessionID: sess.SessionID, Status: sess.Status}
	if sess.ContainerID != "" {
		rctx, cancel := context.WithTimeout(ctx, m.opts.RuntimeTimeout)
		defer cancel()
		info, err := m.rt.Inspect(rctx, sess.ContainerID)
		if err != nil && !errors.Is(err, runtime.ErrNotFound) {
			return nil, fmt.Errorf("inspecting container: %w", err)
		}
		report.ContainerRunning = err == nil && info.Running
	}
	return report, nil
}

// HasActiveSessions is used by the admin surface to refuse deleting an image
// with live sessions.
func (m *Manager) HasActiveSessions(ctx context.Context, imageID uint) (bool, error) {
	count, err := m.sessions.CountActiveByImage(ctx, imageID)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Touch records proxied activity for a session, keyed by its proxy path.
// Called by the proxy router on every forwarded request.
func (m *Manager) Touch(token string) {
	m.mu.Lock()
	sessionID, ok := m.tokens[token]
	m.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.sessions.Touch(ctx, sessionID); err != nil {
		log.Printf("Failed to update activity for session %s: %v", sessionID, err)
	}
}

// StatusByProxyPath backs the proxy's miss handling: it distinguishes unknown
// tokens from sessions that are starting or already terminated.
func (m *Manager) StatusByProxyPath(ctx context.Context, token string) (string, bool) {
	sess, err := m.sessions.GetByProxyPath(ctx, token)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false
		}
		log.Printf("Proxy status lookup for %s failed: %v", token, err)
		// Store trouble is not "unknown desktop"; let the client retry.
		return "", true
	}
	return sess.Status, true
}

func (m *Manager) getSession(ctx context.Context, sessionID string) (*models.Session, error) {
	sess, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading session: %w", err)
	}
	return sess, nil
}

func (m *Manager) containerSpec(sess *models.Session, username string, folder *access.FolderBinding) runtime.ContainerSpec {
	spec := runtime.ContainerSpec{
		Name:          sess.ContainerName,
		Image:         sess.ImageRef,
		HostPort:      *sess.HostPort,
		ContainerPort: m.opts.ContainerPort,
		Env: map[string]string{
			"VNC_PW": m.opts.VNCPassword,
			"USER":   username,
		},
		Labels: map[string]string{
			"user_id":    sess.UserID,
			"session_id": sess.SessionID,
			"managed_by": "desktop-broker",
		},
		ShmSizeBytes: m.opts.ShmSizeBytes,
		MemoryBytes:  m.opts.MemoryBytes,
		NanoCPUs:     m.opts.NanoCPUs,
	}
	if folder != nil {
		hostPath := filepath.Join(m.opts.FolderRoot, filepath.Clean("/"+folder.Path))
		spec.Binds = []string{hostPath + ":" + folderMountPoint}
	}
	return spec
}

func (m *Manager) installRoute(sess *models.Session, port int) {
	m.routes.Register(sess.ProxyPath, port)
	m.mu.Lock()
	m.tokens[sess.ProxyPath] = sess.SessionID
	m.mu.Unlock()
}

func (m *Manager) removeRoute(sess *models.Session) {
	m.routes.Deregister(sess.ProxyPath)
	m.mu.Lock()
	delete(m.tokens, sess.ProxyPath)
	m.mu.Unlock()
}

func (m *Manager) markFailed(sess *models.Session, message string) {
	now := time.Now()
	sess.Status = models.SessionStatusFailed
	sess.StatusMessage = message
	sess.StoppedAt = &now
	// Best effort with a fresh context: the caller's context may already be
	// cancelled or past its runtime deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.sessions.Update(ctx, sess); err != nil {
		log.Printf("Failed to persist FAILED state for session %s: %v", sess.SessionID, err)
	}
	m.removeRoute(sess)
	m.publishStatus(sess, message)
}

func (m *Manager) teardownOrphan(containerID, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RuntimeTimeout)
	defer cancel()
	if err := m.rt.Stop(ctx, containerID, stopGrace); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		log.Printf("Failed to stop orphaned container %s: %v", name, err)
	}
	if err := m.rt.Remove(ctx, containerID); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		log.Printf("Failed to remove orphaned container %s: %v", name, err)
	}
}

func (m *Manager) publishStatus(sess *models.Session, message string) {
	m.publisher.PublishSessionStatus(context.Background(), events.SessionStatus{
		SessionID: sess.SessionID,
		UserID:    sess.UserID,
		ImageID:   sess.DesktopImageID,
		Status:    sess.Status,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

func (m *Manager) externalURL(token string) string {
	return strings.TrimSuffix(m.opts.ExternalBaseURL, "/") + "/desktops/" + token + "/"
}

// newProxyToken generates the stable, unguessable external identifier for a
// session.
func newProxyToken() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
