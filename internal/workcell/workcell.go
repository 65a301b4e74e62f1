// Package workcell manages the isolated, disposable execution environments
// that dispatches run inside. Each workcell is one directory with a branch
// name, a log file, and the persisted manifest for the dispatch it hosted.
package workcell

import "context"

// Handle identifies one live workcell.
type Handle struct {
	// ID is the unique workcell identifier (also the directory name).
	ID string
	// IssueID is the issue this workcell was created for.
	IssueID string
	// SpeculateTag distinguishes sibling workcells of one speculate fan-out.
	// Empty for single dispatch.
	SpeculateTag string
	// Dir is the workcell's working directory.
	Dir string
	// Branch is the branch the toolchain commits to.
	Branch string
	// LogPath is the adapter log file inside the workcell.
	LogPath string
}

// ManifestFile is the conventional name of the persisted manifest inside a
// workcell directory.
const ManifestFile = "manifest.json"

// Manager creates and disposes of workcells. The orchestration core treats
// it as an external collaborator: creation failures surface as failed
// dispatches, never as panics.
type Manager interface {
	// Create provisions a fresh workcell for the issue. speculateTag is
	// empty for single dispatch.
	Create(ctx context.Context, issueID, speculateTag string) (*Handle, error)

	// Cleanup disposes of the workcell. With keepLogs the log file and
	// persisted manifest are retained (archived) for auditability.
	Cleanup(ctx context.Context, h *Handle, keepLogs bool) error
}
