package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:14-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}
	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(context.Background()) })

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s user=test password=test dbname=test sslmode=disable search_path=desktops", host, port.Port())
	db, err := gorm.Open(gormpostgres.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.Exec("CREATE SCHEMA IF NOT EXISTS desktops").Error)
	require.NoError(t, db.AutoMigrate(
		&models.User{}, &models.Group{},
		&models.DesktopImage{}, &models.DesktopAssignment{},
		&models.Session{},
	))

	return db
}

func TestImageRepository_CRUD(t *testing.T) {
	db := setupTestDB(t)
	repo := NewImageRepository(db)
	ctx := context.Background()

	image := &models.DesktopImage{
		Name:        "ubuntu-desktop",
		DockerImage: "kasmweb/ubuntu:1.15.0",
		Description: "Full Ubuntu desktop",
		Enabled:     true,
		CreatedBy:   "root",
	}
	require.NoError(t, repo.Create(ctx, image))
	require.NotZero(t, image.ID)

	got, err := repo.GetByID(ctx, image.ID)
	require.NoError(t, err)
	assert.Equal(t, "ubuntu-desktop", got.Name)

	byName, err := repo.GetByName(ctx, "ubuntu-desktop")
	require.NoError(t, err)
	assert.Equal(t, image.ID, byName.ID)
	_, err = repo.GetByName(ctx, "no-such-image")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	got.Enabled = false
	require.NoError(t, repo.Update(ctx, got))

	enabled, err := repo.ListEnabled(ctx)
	require.NoError(t, err)
	assert.Empty(t, enabled)

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, repo.Delete(ctx, image.ID))
	_, err = repo.GetByID(ctx, image.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestImageRepository_DeleteCascadesAssignments(t *testing.T) {
	db := setupTestDB(t)
	images := NewImageRepository(db)
	assignments := NewAssignmentRepository(db)
	ctx := context.Background()

	image := &models.DesktopImage{Name: "firefox", DockerImage: "kasmweb/firefox:1.15.0", Enabled: true}
	require.NoError(t, images.Create(ctx, image))

	groupID := uint(7)
	require.NoError(t, assignments.Create(ctx, &models.DesktopAssignment{
		DesktopImageID: image.ID,
		GroupID:        &groupID,
		CreatedBy:      "t1",
	}))

	require.NoError(t, images.Delete(ctx, image.ID))

	rows, err := assignments.ListByImage(ctx, image.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestAssignmentRepository_ValidatesTarget(t *testing.T) {
	db := setupTestDB(t)
	images := NewImageRepository(db)
	assignments := NewAssignmentRepository(db)
	ctx := context.Background()

	image := &models.DesktopImage{Name: "blender", DockerImage: "kasmweb/blender:1.15.0", Enabled: true}
	require.NoError(t, images.Create(ctx, image))

	groupID := uint(7)
	userID := "alice"

	err := assignments.Create(ctx, &models.DesktopAssignment{
		DesktopImageID: image.ID,
		GroupID:        &groupID,
		UserID:         &userID,
		CreatedBy:      "t1",
	})
	assert.ErrorIs(t, err, models.ErrInvalidAssignmentTarget)

	err = assignments.Create(ctx, &models.DesktopAssignment{
		DesktopImageID: image.ID,
		CreatedBy:      "t1",
	})
	assert.ErrorIs(t, err, models.ErrInvalidAssignmentTarget)
}

func TestAssignmentRepository_ListByImageIsOrderedByID(t *testing.T) {
	db := setupTestDB(t)
	images := NewImageRepository(db)
	assignments := NewAssignmentRepository(db)
	ctx := context.Background()

	image := &models.DesktopImage{Name: "vscode", DockerImage: "kasmweb/vs-code:1.15.0", Enabled: true}
	require.NoError(t, images.Create(ctx, image))

	for _, g := range []uint{9, 3, 5} {
		groupID := g
		require.NoError(t, assignments.Create(ctx, &models.DesktopAssignment{
			DesktopImageID: image.ID,
			GroupID:        &groupID,
			CreatedBy:      "t1",
		}))
	}

	rows, err := assignments.ListByImage(ctx, image.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i := 1; i < len(rows); i++ {
		assert.Less(t, rows[i-1].ID, rows[i].ID)
	}
}

func TestSessionRepository_ActiveLookup(t *testing.T) {
	db := setupTestDB(t)
	sessions := NewSessionRepository(db)
	ctx := context.Background()

	port := 7000
	sess := &models.Session{
		SessionID:      "11111111-1111-1111-1111-111111111111",
		UserID:         "alice",
		DesktopImageID: 1,
		ImageRef:       "kasmweb/ubuntu:1.15.0",
		ContainerName:  "desktop-alice-11111111",
		HostPort:       &port,
		ProxyPath:      "tokenalice",
		Status:         models.SessionStatusRunning,
		CreatedAt:      time.Now(),
		LastActiveAt:   time.Now(),
	}
	require.NoError(t, sessions.Create(ctx, sess))

	got, err := sessions.GetActive(ctx, "alice", 1)
	require.NoError(t, err)
	assert.Equal(t, sess.SessionID, got.SessionID)

	// Terminal sessions are invisible to the active lookup.
	now := time.Now()
	got.Status = models.SessionStatusStopped
	got.StoppedAt = &now
	require.NoError(t, sessions.Update(ctx, got))

	_, err = sessions.GetActive(ctx, "alice", 1)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	byPath, err := sessions.GetByProxyPath(ctx, "tokenalice")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusStopped, byPath.Status)
}

func TestSessionRepository_TerminalCutoffAndTouch(t *testing.T) {
	db := setupTestDB(t)
	sessions := NewSessionRepository(db)
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour)
	fresh := time.Now()

	mkSession := func(id, token string, stoppedAt *time.Time, status string) *models.Session {
		return &models.Session{
			SessionID:      id,
			UserID:         "alice",
			DesktopImageID: 1,
			ImageRef:       "kasmweb/ubuntu:1.15.0",
			ContainerName:  "desktop-alice-" + token,
			ProxyPath:      token,
			Status:         status,
			CreatedAt:      time.Now(),
			LastActiveAt:   time.Now(),
			StoppedAt:      stoppedAt,
		}
	}

	require.NoError(t, sessions.Create(ctx, mkSession("s-old", "tok1", &old, models.SessionStatusStopped)))
	require.NoError(t, sessions.Create(ctx, mkSession("s-new", "tok2", &fresh, models.SessionStatusFailed)))
	require.NoError(t, sessions.Create(ctx, mkSession("s-live", "tok3", nil, models.SessionStatusRunning)))

	stale, err := sessions.ListTerminalBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "s-old", stale[0].SessionID)

	count, err := sessions.CountActiveByImage(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	before, err := sessions.GetByID(ctx, "s-live")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, sessions.Touch(ctx, "s-live"))
	after, err := sessions.GetByID(ctx, "s-live")
	require.NoError(t, err)
	assert.True(t, after.LastActiveAt.After(before.LastActiveAt))
}
