package session

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/models"
	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/runtime"
)

// Run drives the idle reaper and the terminal-session cleanup until the
// context is cancelled. Call it from a goroutine after Resume.
func (m *Manager) Run(ctx context.Context) {
	reaper := time.NewTicker(m.opts.ReaperInterval)
	cleanup := time.NewTicker(m.opts.CleanupInterval)
	defer reaper.Stop()
	defer cleanup.Stop()

	log.Printf("Session lifecycle loops started (idle timeout %s, retention %s)",
		m.opts.IdleTimeout, m.opts.CleanupRetention)

	for {
		select {
		case <-ctx.Done():
			log.Println("Session lifecycle loops stopping")
			return
		case <-reaper.C:
			m.reapIdle(ctx)
		case <-cleanup.C:
			m.CleanupTerminal(ctx, m.opts.CleanupRetention)
		}
	}
}

// reapIdle stops running sessions with no proxied activity inside the idle
// window.
func (m *Manager) reapIdle(ctx context.Context) {
	sessions, err := m.sessions.ListActive(ctx)
	if err != nil {
		log.Printf("Idle reaper: listing sessions failed: %v", err)
		return
	}

	cutoff := time.Now().Add(-m.opts.IdleTimeout)
	for _, sess := range sessions {
		if sess.Status != models.SessionStatusRunning || !sess.LastActiveAt.Before(cutoff) {
			continue
		}
		log.Printf("Idle reaper: stopping session %s (last active %s)",
			sess.SessionID, sess.LastActiveAt.Format(time.RFC3339))
		if _, err := m.Stop(ctx, sess.SessionID); err != nil {
			log.Printf("Idle reaper: stopping session %s failed: %v", sess.SessionID, err)
		}
	}
}

// Resume reconciles persisted sessions with the container runtime after a
// restart: running containers get their port lease and proxy route back,
// everything else is settled into a terminal state.
func (m *Manager) Resume(ctx context.Context) error {
	sessions, err := m.sessions.ListActive(ctx)
	if err != nil {
		return err
	}

	var restored, settled int
	for i := range sessions {
		sess := &sessions[i]
		if m.resumeOne(ctx, sess) {
			restored++
		} else {
			settled++
		}
	}
	log.Printf("Resume: %d sessions restored, %d settled", restored, settled)
	return nil
}

// resumeOne reports whether the session came back as RUNNING.
func (m *Manager) resumeOne(ctx context.Context, sess *models.Session) bool {
	if sess.ContainerID != "" {
		rctx, cancel := context.WithTimeout(ctx, m.opts.RuntimeTimeout)
		info, err := m.rt.Inspect(rctx, sess.ContainerID)
		cancel()
		switch {
		case err == nil && info.Running:
			if sess.HostPort == nil {
				m.markFailed(sess, "resume: session has no host port")
				return false
			}
			if err := m.ports.Reserve(*sess.HostPort); err != nil {
				reason := err.Error()
				sess.HostPort = nil
				m.markFailed(sess, "resume: host port unavailable: "+reason)
				return false
			}
			sess.Status = models.SessionStatusRunning
			sess.StatusMessage = ""
			if err := m.sessions.Update(ctx, sess); err != nil {
				log.Printf("Resume: persisting session %s failed: %v", sess.SessionID, err)
			}
			m.installRoute(sess, *sess.HostPort)
			log.Printf("Resume: session %s reattached on port %d", sess.SessionID, *sess.HostPort)
			return true
		case err != nil && !errors.Is(err, runtime.ErrNotFound):
			// The container may still be up and bound to its port; fence the
			// lease so Remove reclaims it rather than leaving it acquirable.
			if sess.HostPort != nil && m.ports.Reserve(*sess.HostPort) != nil {
				sess.HostPort = nil
			}
			m.markFailed(sess, "resume: container inspect failed: "+err.Error())
			return false
		}
	}

	// Container gone or never created: the session ended while we were down.
	// No lease exists for it in this process, so drop the recorded port.
	now := time.Now()
	sess.Status = models.SessionStatusStopped
	sess.StatusMessage = "stopped while broker was offline"
	sess.StoppedAt = &now
	sess.HostPort = nil
	if err := m.sessions.Update(ctx, sess); err != nil {
		log.Printf("Resume: persisting session %s failed: %v", sess.SessionID, err)
	}
	m.publishStatus(sess, sess.StatusMessage)
	return false
}
