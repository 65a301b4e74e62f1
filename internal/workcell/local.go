package workcell

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LocalManager provisions workcells as directories under Root. Cleanup with
// keepLogs moves the log and manifest into ArchiveDir instead of discarding
// them, so winning dispatches stay auditable.
type LocalManager struct {
	// Root is the parent directory for live workcells.
	Root string
	// ArchiveDir receives retained logs and manifests. Defaults to
	// Root/archive when empty.
	ArchiveDir string

	Logger *zap.SugaredLogger
}

// Create makes the workcell directory, log file, and branch name. The ID
// embeds the issue, the speculate tag, and a short random suffix so sibling
// candidates of one fan-out never collide.
func (m *LocalManager) Create(ctx context.Context, issueID, speculateTag string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("workcell: create cancelled: %w", err)
	}

	parts := []string{"wc", issueID}
	if speculateTag != "" {
		parts = append(parts, speculateTag)
	}
	parts = append(parts, uuid.NewString()[:8])
	id := strings.Join(parts, "-")

	dir := filepath.Join(m.Root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("workcell: create %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, "adapter.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("workcell: create log %s: %w", logPath, err)
	}
	f.Close()

	h := &Handle{
		ID:           id,
		IssueID:      issueID,
		SpeculateTag: speculateTag,
		Dir:          dir,
		Branch:       "magnetar/" + id,
		LogPath:      logPath,
	}
	if m.Logger != nil {
		m.Logger.Debugw("workcell created", "workcell_id", id, "issue_id", issueID, "speculate_tag", speculateTag)
	}
	return h, nil
}

// Cleanup removes the workcell directory. With keepLogs the log file and
// persisted manifest are first moved into the archive directory under the
// workcell's ID.
func (m *LocalManager) Cleanup(ctx context.Context, h *Handle, keepLogs bool) error {
	if h == nil {
		return nil
	}
	if keepLogs {
		if err := m.archive(h); err != nil {
			// Retention failure should not leak the sandbox; log and continue.
			if m.Logger != nil {
				m.Logger.Warnw("workcell archive failed", "workcell_id", h.ID, "error", err)
			}
		}
	}
	if err := os.RemoveAll(h.Dir); err != nil {
		return fmt.Errorf("workcell: remove %s: %w", h.Dir, err)
	}
	if m.Logger != nil {
		m.Logger.Debugw("workcell released", "workcell_id", h.ID, "kept_logs", keepLogs)
	}
	return nil
}

// archive moves the retained files into ArchiveDir/<workcell-id>/.
func (m *LocalManager) archive(h *Handle) error {
	dest := m.ArchiveDir
	if dest == "" {
		dest = filepath.Join(m.Root, "archive")
	}
	dest = filepath.Join(dest, h.ID)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("workcell: create archive dir %s: %w", dest, err)
	}
	for _, name := range []string{filepath.Base(h.LogPath), ManifestFile} {
		src := filepath.Join(h.Dir, name)
		if _, err := os.Stat(src); err != nil {
			continue // never produced; nothing to retain
		}
		if err := os.Rename(src, filepath.Join(dest, name)); err != nil {
			return fmt.Errorf("workcell: archive %s: %w", name, err)
		}
	}
	return nil
}
