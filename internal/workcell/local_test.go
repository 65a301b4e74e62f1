package workcell

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalManager_Create(t *testing.T) {
	t.Parallel()
	m := &LocalManager{Root: t.TempDir()}

	h, err := m.Create(context.Background(), "wg-1", "cand-2")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if !strings.HasPrefix(h.ID, "wc-wg-1-cand-2-") {
		t.Errorf("ID = %q, want wc-wg-1-cand-2-<suffix>", h.ID)
	}
	if h.Branch != "magnetar/"+h.ID {
		t.Errorf("Branch = %q", h.Branch)
	}
	if fi, err := os.Stat(h.Dir); err != nil || !fi.IsDir() {
		t.Errorf("workcell dir missing: %v", err)
	}
	if _, err := os.Stat(h.LogPath); err != nil {
		t.Errorf("log file missing: %v", err)
	}

	// Sibling candidates never collide.
	h2, err := m.Create(context.Background(), "wg-1", "cand-2")
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if h2.ID == h.ID {
		t.Error("sibling workcells share an ID")
	}
}

func TestLocalManager_CleanupDiscards(t *testing.T) {
	t.Parallel()
	m := &LocalManager{Root: t.TempDir()}

	h, err := m.Create(context.Background(), "wg-1", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Cleanup(context.Background(), h, false); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(h.Dir); !os.IsNotExist(err) {
		t.Errorf("workcell dir still present: %v", err)
	}
}

func TestLocalManager_CleanupArchives(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	archive := filepath.Join(root, "kept")
	m := &LocalManager{Root: root, ArchiveDir: archive}

	h, err := m.Create(context.Background(), "wg-1", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := os.WriteFile(filepath.Join(h.Dir, ManifestFile), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := os.WriteFile(h.LogPath, []byte("adapter output"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	if err := m.Cleanup(context.Background(), h, true); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	if _, err := os.Stat(h.Dir); !os.IsNotExist(err) {
		t.Errorf("workcell dir should be gone after archival: %v", err)
	}
	kept := filepath.Join(archive, h.ID)
	for _, name := range []string{"adapter.log", ManifestFile} {
		if _, err := os.Stat(filepath.Join(kept, name)); err != nil {
			t.Errorf("archived %s missing: %v", name, err)
		}
	}
}

func TestLocalManager_CleanupNilHandle(t *testing.T) {
	t.Parallel()
	m := &LocalManager{Root: t.TempDir()}
	if err := m.Cleanup(context.Background(), nil, true); err != nil {
		t.Errorf("Cleanup(nil): %v", err)
	}
}
