package session

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRepository_Save(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	s := New()

	if err := repo.Save(ctx, s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	saved, err := repo.FindByID(ctx, s.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.ID != s.ID {
		t.Errorf("expected ID %s, got %s", s.ID, saved.ID)
	}
}

func TestMemoryRepository_Save_Update(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	s := New()
	_ = repo.Save(ctx, s)

	_ = s.Fail("no video stream")
	_ = repo.Save(ctx, s)

	saved, _ := repo.FindByID(ctx, s.ID)
	if saved.Status != StatusFailed {
		t.Errorf("expected status %s, got %s", StatusFailed, saved.Status)
	}
	if saved.Error != "no video stream" {
		t.Errorf("expected error to be saved, got %q", saved.Error)
	}
}

func TestMemoryRepository_FindByID_NotFound(t *testing.T) {
	repo := NewMemoryRepository()

	_, err := repo.FindByID(context.Background(), "nonexistent")
	if err != ErrSessionNotFound {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestMemoryRepository_FindByID_ReturnsClone(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	s := New()
	_ = repo.Save(ctx, s)

	found, _ := repo.FindByID(ctx, s.ID)
	found.SourceName = "changed.mp4"
	_ = found.Close()

	original, _ := repo.FindByID(ctx, s.ID)
	if original.SourceName != "" {
		t.Error("modifying returned session should not affect repository")
	}
	if original.Status != StatusLoading {
		t.Error("modifying returned session status should not affect repository")
	}
}

func TestMemoryRepository_List(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	sessions, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("expected 0 sessions, got %d", len(sessions))
	}

	first := New()
	second := New()
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	_ = repo.Save(ctx, second)
	_ = repo.Save(ctx, first)

	sessions, err = repo.List(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].ID != first.ID {
		t.Error("expected sessions ordered by creation time")
	}
}

func TestMemoryRepository_Delete(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	s := New()
	_ = repo.Save(ctx, s)

	if err := repo.Delete(ctx, s.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := repo.FindByID(ctx, s.ID); err != ErrSessionNotFound {
		t.Errorf("expected ErrSessionNotFound after delete, got %v", err)
	}

	if err := repo.Delete(ctx, s.ID); err != ErrSessionNotFound {
		t.Errorf("expected ErrSessionNotFound deleting twice, got %v", err)
	}
}
