package access

import (
	"context"
	"errors"
	"testing"

	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/models"
)

type fakeAssignments struct {
	rows map[uint][]models.DesktopAssignment
	err  error
}

func (f *fakeAssignments) ListByImage(ctx context.Context, imageID uint) ([]models.DesktopAssignment, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rows[imageID], nil
}

type fakeImages struct {
	images []models.DesktopImage
}

func (f *fakeImages) ListEnabled(ctx context.Context) ([]models.DesktopImage, error) {
	return f.images, nil
}

func strPtr(s string) *string { return &s }
func uintPtr(u uint) *uint    { return &u }

func TestResolver_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("NoAssignmentsMeansOpen", func(t *testing.T) {
		r := NewResolver(&fakeAssignments{rows: map[uint][]models.DesktopAssignment{}}, nil)
		decision, err := r.Resolve(ctx, "u1", nil, 1)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if !decision.Allowed {
			t.Error("Unassigned image should be open to everyone")
		}
		if decision.Folder != nil {
			t.Error("Open image should carry no folder binding")
		}
	})

	t.Run("DeniedWithoutMatch", func(t *testing.T) {
		src := &fakeAssignments{rows: map[uint][]models.DesktopAssignment{
			2: {{ID: 1, DesktopImageID: 2, GroupID: uintPtr(10)}},
		}}
		r := NewResolver(src, nil)
		decision, err := r.Resolve(ctx, "u2", []uint{11, 12}, 2)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if decision.Allowed {
			t.Error("Principal outside the assigned group must be denied")
		}
	})

	t.Run("GroupMatch", func(t *testing.T) {
		src := &fakeAssignments{rows: map[uint][]models.DesktopAssignment{
			3: {{ID: 1, DesktopImageID: 3, GroupID: uintPtr(10), FolderPath: "math101", FolderName: "Math 101"}},
		}}
		r := NewResolver(src, nil)
		decision, err := r.Resolve(ctx, "u3", []uint{10}, 3)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if !decision.Allowed {
			t.Fatal("Group member should be allowed")
		}
		if decision.Folder == nil || decision.Folder.Path != "math101" {
			t.Errorf("Expected math101 folder binding, got %+v", decision.Folder)
		}
	})

	t.Run("UserRowBeatsGroupRow", func(t *testing.T) {
		src := &fakeAssignments{rows: map[uint][]models.DesktopAssignment{
			4: {
				{ID: 1, DesktopImageID: 4, GroupID: uintPtr(10), FolderPath: "group-folder"},
				{ID: 2, DesktopImageID: 4, UserID: strPtr("u4"), FolderPath: "user-folder"},
			},
		}}
		r := NewResolver(src, nil)
		decision, err := r.Resolve(ctx, "u4", []uint{10}, 4)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if !decision.Allowed {
			t.Fatal("Expected access")
		}
		if decision.Folder == nil || decision.Folder.Path != "user-folder" {
			t.Errorf("Direct user assignment folder must win, got %+v", decision.Folder)
		}
	})

	t.Run("LowestGroupRowWins", func(t *testing.T) {
		src := &fakeAssignments{rows: map[uint][]models.DesktopAssignment{
			5: {
				{ID: 3, DesktopImageID: 5, GroupID: uintPtr(20), FolderPath: "first"},
				{ID: 7, DesktopImageID: 5, GroupID: uintPtr(21), FolderPath: "second"},
			},
		}}
		r := NewResolver(src, nil)
		decision, err := r.Resolve(ctx, "u5", []uint{21, 20}, 5)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if decision.Folder == nil || decision.Folder.Path != "first" {
			t.Errorf("Lowest assignment id must win, got %+v", decision.Folder)
		}
	})

	t.Run("FailsClosedOnStoreError", func(t *testing.T) {
		r := NewResolver(&fakeAssignments{err: errors.New("connection refused")}, nil)
		decision, err := r.Resolve(ctx, "u6", []uint{10}, 6)
		if err == nil {
			t.Fatal("Expected store error to surface")
		}
		if decision.Allowed {
			t.Error("Store errors must deny access, never fail open")
		}
	})
}

func TestResolver_AvailableImages(t *testing.T) {
	ctx := context.Background()
	images := &fakeImages{images: []models.DesktopImage{
		{ID: 1, Name: "Ubuntu Desktop", Enabled: true},
		{ID: 2, Name: "VS Code", Enabled: true},
	}}
	src := &fakeAssignments{rows: map[uint][]models.DesktopAssignment{
		2: {{ID: 1, DesktopImageID: 2, GroupID: uintPtr(10), FolderPath: "lab", FolderName: "Lab"}},
	}}
	r := NewResolver(src, images)

	available, err := r.AvailableImages(ctx, "u1", []uint{99})
	if err != nil {
		t.Fatalf("AvailableImages failed: %v", err)
	}
	if len(available) != 1 {
		t.Fatalf("Expected only the open image, got %d entries", len(available))
	}
	if available[0].Image.Name != "Ubuntu Desktop" {
		t.Errorf("Expected Ubuntu Desktop, got %s", available[0].Image.Name)
	}

	available, err = r.AvailableImages(ctx, "u1", []uint{10})
	if err != nil {
		t.Fatalf("AvailableImages failed: %v", err)
	}
	if len(available) != 2 {
		t.Fatalf("Expected both images for group member, got %d", len(available))
	}
	if available[1].Folder == nil || available[1].Folder.Path != "lab" {
		t.Errorf("Expected lab folder on assigned image, got %+v", available[1].Folder)
	}
}
