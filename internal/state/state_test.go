package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTokenRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	const zone = "outline-2024-W11"

	token, err := s.LoadToken(ctx, zone)
	if err != nil {
		t.Fatalf("LoadToken() failed: %v", err)
	}
	if token != nil {
		t.Errorf("LoadToken() on fresh store = %q, want nil", token)
	}

	if err := s.SaveToken(ctx, zone, []byte(`{"seq":42}`)); err != nil {
		t.Fatalf("SaveToken() failed: %v", err)
	}

	token, err = s.LoadToken(ctx, zone)
	if err != nil {
		t.Fatalf("LoadToken() failed: %v", err)
	}
	if string(token) != `{"seq":42}` {
		t.Errorf("LoadToken() = %q, want the saved blob", token)
	}
}

func TestTokensAreScopedPerZone(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveToken(ctx, "outline-2024-W11", []byte("a")); err != nil {
		t.Fatal(err)
	}
	token, err := s.LoadToken(ctx, "outline-2024-W12")
	if err != nil {
		t.Fatal(err)
	}
	if token != nil {
		t.Errorf("token leaked across zones: %q", token)
	}
}

func TestMigrationFlag(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	done, err := s.MigrationDone(ctx)
	if err != nil {
		t.Fatalf("MigrationDone() failed: %v", err)
	}
	if done {
		t.Error("MigrationDone() = true on a fresh store")
	}

	if err := s.SetMigrationDone(ctx); err != nil {
		t.Fatalf("SetMigrationDone() failed: %v", err)
	}

	done, err = s.MigrationDone(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Error("MigrationDone() = false after SetMigrationDone()")
	}
}

func TestDirtySetSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	ctx := context.Background()

	ids := []uuid.UUID{uuid.New(), uuid.New()}

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveDirty(ctx, ids); err != nil {
		t.Fatalf("SaveDirty() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// Simulates the process restarting after a crash mid-upload.
	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	loaded, err := s2.LoadDirty(ctx)
	if err != nil {
		t.Fatalf("LoadDirty() failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("LoadDirty() returned %d ids, want 2", len(loaded))
	}
	got := map[uuid.UUID]bool{loaded[0]: true, loaded[1]: true}
	for _, id := range ids {
		if !got[id] {
			t.Errorf("dirty id %s lost across restart", id)
		}
	}
}

func TestSaveDirtyReplacesSnapshot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := uuid.New()
	if err := s.SaveDirty(ctx, []uuid.UUID{old}); err != nil {
		t.Fatal(err)
	}

	replacement := uuid.New()
	if err := s.SaveDirty(ctx, []uuid.UUID{replacement}); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.LoadDirty(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 || loaded[0] != replacement {
		t.Errorf("LoadDirty() = %v, want only the replacement", loaded)
	}
}

func TestReset(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveToken(ctx, "outline-2024-W11", []byte("tok")); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMigrationDone(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveDirty(ctx, []uuid.UUID{uuid.New()}); err != nil {
		t.Fatal(err)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}

	if token, _ := s.LoadToken(ctx, "outline-2024-W11"); token != nil {
		t.Error("token survived reset")
	}
	if done, _ := s.MigrationDone(ctx); done {
		t.Error("migration flag survived reset")
	}
	if dirty, _ := s.LoadDirty(ctx); len(dirty) != 0 {
		t.Error("dirty set survived reset")
	}
}
