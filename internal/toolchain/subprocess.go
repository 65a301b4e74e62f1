package toolchain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/papapumpkin/magnetar/internal/manifest"
	"github.com/papapumpkin/magnetar/internal/proof"
	"github.com/papapumpkin/magnetar/internal/workcell"
)

// ErrAdapterTimeout is returned when the backend exceeds its wall-clock
// deadline. The sandbox is still released by the caller.
var ErrAdapterTimeout = errors.New("toolchain: adapter timed out")

// Subprocess invokes a toolchain backend as a child process. The backend
// receives the persisted manifest path and the workcell directory, and must
// print a single JSON proof envelope to stdout. Stderr is appended to the
// workcell's adapter log.
type Subprocess struct {
	AdapterName string
	Command     string
	ExtraArgs   []string
	Config      manifest.Sampling
	Verbose     bool
}

// envelope is the JSON document a backend prints on stdout. Field names are
// part of the adapter wire contract.
type envelope struct {
	Status     string                      `json:"status"`
	Branch     string                      `json:"branch"`
	DiffRef    string                      `json:"diff_ref"`
	Gates      map[string]proof.GateResult `json:"gates"`
	AllPassed  bool                        `json:"all_passed"`
	Confidence float64                     `json:"confidence"`
	IsError    bool                        `json:"is_error"`
	Error      string                      `json:"error"`
}

func (s *Subprocess) Name() string { return s.AdapterName }

// Available reports whether the backend binary is on PATH (or at the
// configured absolute path).
func (s *Subprocess) Available() bool {
	if filepath.IsAbs(s.Command) {
		_, err := os.Stat(s.Command)
		return err == nil
	}
	_, err := exec.LookPath(s.Command)
	return err == nil
}

// Sampling returns the backend's configured sampling defaults.
func (s *Subprocess) Sampling() manifest.Sampling { return s.Config }

// Execute runs the backend against the workcell with a hard wall-clock
// timeout. Timeout expiry kills the process group and surfaces as
// ErrAdapterTimeout; any other failure carries the captured stderr.
func (s *Subprocess) Execute(ctx context.Context, m *manifest.Manifest, cell *workcell.Handle, timeout time.Duration) (*proof.Proof, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := append([]string(nil), s.ExtraArgs...)
	args = append(args,
		"--manifest", filepath.Join(cell.Dir, workcell.ManifestFile),
		"--workcell", cell.Dir,
		"--branch", cell.Branch,
	)

	cmd := exec.CommandContext(runCtx, s.Command, args...)
	cmd.Dir = cell.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if s.Verbose {
		fmt.Fprintf(os.Stderr, "[toolchain:%s] running: %s %s\n", s.AdapterName, s.Command, strings.Join(args, " "))
	}

	err := cmd.Run()
	s.appendLog(cell, stderr.Bytes())

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w after %s", ErrAdapterTimeout, timeout)
		}
		return nil, fmt.Errorf("toolchain %s failed: %w\nstderr: %s", s.AdapterName, err, stderr.String())
	}

	var env envelope
	if err := json.Unmarshal(stdout.Bytes(), &env); err != nil {
		return nil, fmt.Errorf("toolchain %s: parse proof envelope: %w\nraw output: %s", s.AdapterName, err, stdout.String())
	}
	if env.IsError {
		return nil, fmt.Errorf("toolchain %s reported error: %s", s.AdapterName, env.Error)
	}

	status := proof.Status(env.Status)
	switch status {
	case proof.StatusSuccess, proof.StatusPartial, proof.StatusFailed:
	default:
		return nil, fmt.Errorf("toolchain %s: unknown proof status %q", s.AdapterName, env.Status)
	}

	branch := env.Branch
	if branch == "" {
		branch = cell.Branch
	}

	return &proof.Proof{
		Status: status,
		Patch:  proof.Patch{Branch: branch, DiffRef: env.DiffRef},
		Verification: proof.Verification{
			Gates:     env.Gates,
			AllPassed: env.AllPassed,
		},
		Confidence: env.Confidence,
		WorkcellID: cell.ID,
	}, nil
}

// appendLog best-effort appends the backend's stderr to the workcell log.
func (s *Subprocess) appendLog(cell *workcell.Handle, data []byte) {
	if len(data) == 0 || cell.LogPath == "" {
		return
	}
	f, err := os.OpenFile(cell.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(data) //nolint:errcheck // log retention is best-effort
}

// Validate checks that the backend binary responds to --version.
func (s *Subprocess) Validate() error {
	cmd := exec.Command(s.Command, "--version")
	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("toolchain %s not found at %q: %w", s.AdapterName, s.Command, err)
	}
	if s.Verbose {
		fmt.Fprintf(os.Stderr, "[toolchain:%s] version: %s", s.AdapterName, string(out))
	}
	return nil
}
