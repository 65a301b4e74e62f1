package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/papapumpkin/magnetar/internal/manifest"
	"github.com/papapumpkin/magnetar/internal/proof"
	"github.com/papapumpkin/magnetar/internal/toolchain"
	"github.com/papapumpkin/magnetar/internal/transition"
	"github.com/papapumpkin/magnetar/internal/workcell"
	"github.com/papapumpkin/magnetar/internal/workgraph"
)

// fakeCells provisions workcells under a temp root and records cleanups.
type fakeCells struct {
	root string
	mu   sync.Mutex
	seq  int

	createErr error
	cleanups  map[string]bool // workcell ID -> keepLogs
}

func newFakeCells(t *testing.T) *fakeCells {
	t.Helper()
	return &fakeCells{root: t.TempDir(), cleanups: make(map[string]bool)}
}

func (f *fakeCells) Create(ctx context.Context, issueID, speculateTag string) (*workcell.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.seq++
	id := fmt.Sprintf("wc-%s-%d", issueID, f.seq)
	if speculateTag != "" {
		id = fmt.Sprintf("wc-%s-%s-%d", issueID, speculateTag, f.seq)
	}
	dir := filepath.Join(f.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &workcell.Handle{
		ID:           id,
		IssueID:      issueID,
		SpeculateTag: speculateTag,
		Dir:          dir,
		Branch:       "magnetar/" + id,
		LogPath:      filepath.Join(dir, "adapter.log"),
	}, nil
}

func (f *fakeCells) Cleanup(ctx context.Context, h *workcell.Handle, keepLogs bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups[h.ID] = keepLogs
	return nil
}

// scriptedAdapter returns canned proofs (or errors) and counts executions.
type scriptedAdapter struct {
	name string

	mu    sync.Mutex
	calls int

	makeProof func(cell *workcell.Handle) *proof.Proof
	execErr   error
}

func (a *scriptedAdapter) Name() string                { return a.name }
func (a *scriptedAdapter) Available() bool             { return true }
func (a *scriptedAdapter) Sampling() manifest.Sampling { return manifest.Sampling{} }

func (a *scriptedAdapter) Execute(ctx context.Context, m *manifest.Manifest, cell *workcell.Handle, timeout time.Duration) (*proof.Proof, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.execErr != nil {
		return nil, a.execErr
	}
	return a.makeProof(cell), nil
}

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// fakeTransitions records inserted records.
type fakeTransitions struct {
	mu      sync.Mutex
	records []*transition.Record
}

func (f *fakeTransitions) Insert(ctx context.Context, r *transition.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
	return nil
}

func (f *fakeTransitions) byToState(state string) []*transition.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*transition.Record
	for _, r := range f.records {
		if r.ToState == state {
			out = append(out, r)
		}
	}
	return out
}

// fakePatcher records applied branches.
type fakePatcher struct {
	mu       sync.Mutex
	applied  []string
	applyErr error
}

func (f *fakePatcher) Apply(ctx context.Context, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = append(f.applied, branch)
	return nil
}

func verifiedProof(cell *workcell.Handle, confidence float64) *proof.Proof {
	return &proof.Proof{
		Status: proof.StatusSuccess,
		Patch:  proof.Patch{Branch: cell.Branch},
		Verification: proof.Verification{
			Gates: map[string]proof.GateResult{
				"build": {Passed: true},
				"tests": {Passed: true},
			},
			AllPassed: true,
		},
		Confidence: confidence,
		WorkcellID: cell.ID,
	}
}

func failingProof(cell *workcell.Handle, confidence float64) *proof.Proof {
	return &proof.Proof{
		Status: proof.StatusPartial,
		Patch:  proof.Patch{Branch: cell.Branch},
		Verification: proof.Verification{
			Gates: map[string]proof.GateResult{
				"build": {Passed: true},
				"tests": {Passed: false, FailCodes: []string{"T1"}},
			},
			AllPassed: false,
		},
		Confidence: confidence,
		WorkcellID: cell.ID,
	}
}

type harness struct {
	orch        *Orchestrator
	graph       *workgraph.MemoryClient
	cells       *fakeCells
	transitions *fakeTransitions
	patcher     *fakePatcher
}

func newHarness(t *testing.T, cfg Config, graph *workgraph.MemoryClient, adapters ...toolchain.Adapter) *harness {
	t.Helper()
	reg := toolchain.NewRegistry()
	for _, a := range adapters {
		if err := reg.Register(a); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	h := &harness{
		graph:       graph,
		cells:       newFakeCells(t),
		transitions: &fakeTransitions{},
		patcher:     &fakePatcher{},
	}
	h.orch = New(cfg, Deps{
		Graph:       graph,
		Cells:       h.cells,
		Toolchains:  reg,
		Transitions: h.transitions,
		Patcher:     h.patcher,
	})
	return h
}

func TestRunCycle_SingleSuccess(t *testing.T) {
	t.Parallel()
	graph := workgraph.NewMemoryClient(&workgraph.Issue{
		ID: "wg-1", Title: "fix parser", Status: workgraph.StatusReady, MaxAttempts: 3,
	})
	adapter := &scriptedAdapter{name: "tc-a", makeProof: func(c *workcell.Handle) *proof.Proof {
		return verifiedProof(c, 0.9)
	}}
	h := newHarness(t, Config{}, graph, adapter)

	idle, err := h.orch.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if idle {
		t.Error("cycle with admitted lanes should not report idle")
	}

	got := graph.Get("wg-1")
	if got.Status != workgraph.StatusDone {
		t.Errorf("status = %q, want done", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("success should not charge an attempt, got %d", got.Attempts)
	}
	if len(h.patcher.applied) != 1 {
		t.Fatalf("applied branches = %v, want 1", h.patcher.applied)
	}
	if recs := h.transitions.byToState(transition.StateVerified); len(recs) != 1 {
		t.Errorf("verified transitions = %d, want 1", len(recs))
	}
	if len(h.orch.Running()) != 0 {
		t.Error("running set not empty after cycle")
	}

	// Winner keeps its logs.
	kept := 0
	for _, keep := range h.cells.cleanups {
		if keep {
			kept++
		}
	}
	if kept != 1 || len(h.cells.cleanups) != 1 {
		t.Errorf("cleanups = %v", h.cells.cleanups)
	}

	// The graph is drained; the next cycle is idle.
	idle, err = h.orch.RunCycle(context.Background())
	if err != nil || !idle {
		t.Errorf("follow-up cycle = (%t, %v), want (true, nil)", idle, err)
	}
}

func TestRunCycle_FailureRequeues(t *testing.T) {
	t.Parallel()
	graph := workgraph.NewMemoryClient(&workgraph.Issue{
		ID: "wg-1", Title: "fix parser", Status: workgraph.StatusReady, MaxAttempts: 3,
	})
	adapter := &scriptedAdapter{name: "tc-a", makeProof: func(c *workcell.Handle) *proof.Proof {
		return failingProof(c, 0.4)
	}}
	h := newHarness(t, Config{}, graph, adapter)

	if _, err := h.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	got := graph.Get("wg-1")
	if got.Status != workgraph.StatusReady {
		t.Errorf("status = %q, want ready", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want exactly 1", got.Attempts)
	}
	if recs := h.transitions.byToState(transition.StateUnverified); len(recs) != 1 {
		t.Errorf("edited-but-unverified transitions = %d, want 1", len(recs))
	}
	if len(h.patcher.applied) != 0 {
		t.Errorf("failed dispatch must not merge, applied %v", h.patcher.applied)
	}
}

func TestRunCycle_EscalatesAtMaxAttempts(t *testing.T) {
	t.Parallel()
	graph := workgraph.NewMemoryClient(&workgraph.Issue{
		ID: "wg-1", Title: "fix parser", Status: workgraph.StatusReady, Attempts: 2, MaxAttempts: 3,
	})
	adapter := &scriptedAdapter{name: "tc-a", execErr: errors.New("model refused")}
	h := newHarness(t, Config{}, graph, adapter)

	if _, err := h.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if got := graph.Get("wg-1"); got.Status != workgraph.StatusEscalated {
		t.Errorf("status = %q, want escalated", got.Status)
	}

	g, _ := graph.Load(context.Background())
	var esc *workgraph.Issue
	for _, is := range g.Issues() {
		if is.ID != "wg-1" {
			esc = is
		}
	}
	if esc == nil {
		t.Fatal("no escalation issue created")
	}
	if !esc.HasTag(workgraph.TagEscalation) || !strings.HasPrefix(esc.Title, workgraph.EscalationTitlePrefix) {
		t.Errorf("escalation issue = %+v", esc)
	}
	if !strings.Contains(esc.Description, "model refused") {
		t.Errorf("escalation description missing failure detail: %q", esc.Description)
	}
}

func TestRunCycle_NoEscalationStorm(t *testing.T) {
	t.Parallel()
	graph := workgraph.NewMemoryClient(&workgraph.Issue{
		ID: "wg-1", Title: "fix parser", Status: workgraph.StatusReady, Attempts: 2, MaxAttempts: 3,
	})
	adapter := &scriptedAdapter{name: "tc-a", execErr: errors.New("boom")}
	h := newHarness(t, Config{}, graph, adapter)

	// First cycle escalates and creates one escalation issue. Further cycles
	// must neither dispatch the escalation nor create more issues.
	for i := 0; i < 3; i++ {
		if _, err := h.orch.RunCycle(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}

	g, _ := graph.Load(context.Background())
	if g.Len() != 2 {
		t.Fatalf("graph has %d issues, want 2 (original + one escalation)", g.Len())
	}
	for _, is := range g.Issues() {
		if is.IsEscalation() && is.Status != workgraph.StatusOpen {
			t.Errorf("escalation issue was dispatched, status %q", is.Status)
		}
	}
	if adapter.callCount() != 1 {
		t.Errorf("adapter called %d times, want 1", adapter.callCount())
	}
}

func TestRunCycle_SandboxFailure(t *testing.T) {
	t.Parallel()
	graph := workgraph.NewMemoryClient(&workgraph.Issue{
		ID: "wg-1", Title: "fix parser", Status: workgraph.StatusReady, MaxAttempts: 3,
	})
	adapter := &scriptedAdapter{name: "tc-a", makeProof: func(c *workcell.Handle) *proof.Proof {
		return verifiedProof(c, 0.9)
	}}
	h := newHarness(t, Config{}, graph, adapter)
	h.cells.createErr = errors.New("disk full")

	if _, err := h.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	got := graph.Get("wg-1")
	if got.Status != workgraph.StatusReady {
		t.Errorf("status = %q, want ready", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if adapter.callCount() != 0 {
		t.Error("adapter must not run without a sandbox")
	}
	if recs := h.transitions.byToState(transition.StateFailed); len(recs) != 1 {
		t.Errorf("failed transitions = %d, want 1", len(recs))
	}
}

func TestRunCycle_SpeculateVote(t *testing.T) {
	t.Parallel()
	graph := workgraph.NewMemoryClient(&workgraph.Issue{
		ID: "wg-1", Title: "rework codec", Status: workgraph.StatusReady,
		Risk: workgraph.RiskHigh, MaxAttempts: 3,
	})
	// Lower confidence but fully verified: must beat the confident claimer.
	winner := &scriptedAdapter{name: "tc-a", makeProof: func(c *workcell.Handle) *proof.Proof {
		return verifiedProof(c, 0.6)
	}}
	loser := &scriptedAdapter{name: "tc-b", makeProof: func(c *workcell.Handle) *proof.Proof {
		p := failingProof(c, 0.95)
		p.Verification.AllPassed = true
		return p
	}}
	h := newHarness(t, Config{SpeculateParallelism: 2}, graph, winner, loser)

	if _, err := h.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if winner.callCount() != 1 || loser.callCount() != 1 {
		t.Errorf("fan-out calls = (%d, %d), want (1, 1)", winner.callCount(), loser.callCount())
	}

	got := graph.Get("wg-1")
	if got.Status != workgraph.StatusDone {
		t.Errorf("status = %q, want done", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("winning fan-out should not charge an attempt, got %d", got.Attempts)
	}
	if len(h.patcher.applied) != 1 {
		t.Fatalf("applied = %v, want exactly one branch", h.patcher.applied)
	}
	if !strings.Contains(h.patcher.applied[0], "cand-1") {
		t.Errorf("wrong winner merged: %s", h.patcher.applied[0])
	}

	// Winner archived, loser discarded.
	if len(h.cells.cleanups) != 2 {
		t.Fatalf("cleanups = %v, want 2", h.cells.cleanups)
	}
	for id, keep := range h.cells.cleanups {
		isWinner := strings.Contains(id, "cand-1")
		if keep != isWinner {
			t.Errorf("cleanup %s keepLogs=%t", id, keep)
		}
	}
}

func TestRunCycle_SpeculateAllFail_OneAttempt(t *testing.T) {
	t.Parallel()
	graph := workgraph.NewMemoryClient(&workgraph.Issue{
		ID: "wg-1", Title: "rework codec", Status: workgraph.StatusReady,
		Risk: workgraph.RiskHigh, MaxAttempts: 3,
	})
	a := &scriptedAdapter{name: "tc-a", makeProof: func(c *workcell.Handle) *proof.Proof {
		return failingProof(c, 0.5)
	}}
	b := &scriptedAdapter{name: "tc-b", execErr: errors.New("timeout")}
	h := newHarness(t, Config{SpeculateParallelism: 2}, graph, a, b)

	if _, err := h.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	got := graph.Get("wg-1")
	if got.Attempts != 1 {
		t.Errorf("a resolved fan-out charges exactly one attempt, got %d", got.Attempts)
	}
	if got.Status != workgraph.StatusReady {
		t.Errorf("status = %q, want ready", got.Status)
	}
	if len(h.patcher.applied) != 0 {
		t.Errorf("unverified winner must not merge, applied %v", h.patcher.applied)
	}
}

func TestRunCycle_OrphanRecovery(t *testing.T) {
	t.Parallel()
	graph := workgraph.NewMemoryClient(&workgraph.Issue{
		ID: "wg-1", Title: "fix parser", Status: workgraph.StatusRunning, MaxAttempts: 3,
	})
	adapter := &scriptedAdapter{name: "tc-a", makeProof: func(c *workcell.Handle) *proof.Proof {
		return verifiedProof(c, 0.9)
	}}
	h := newHarness(t, Config{}, graph, adapter)

	// The orphaned running issue is reset and dispatched within the same cycle.
	if _, err := h.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if got := graph.Get("wg-1"); got.Status != workgraph.StatusDone {
		t.Errorf("status = %q, want done after recovery and dispatch", got.Status)
	}
}

func TestRunUntilIdle_DrainsGraph(t *testing.T) {
	t.Parallel()
	graph := workgraph.NewMemoryClient(
		&workgraph.Issue{ID: "wg-1", Title: "a", Status: workgraph.StatusReady, MaxAttempts: 3},
		&workgraph.Issue{ID: "wg-2", Title: "b", Status: workgraph.StatusReady, BlockedBy: []string{"wg-1"}, MaxAttempts: 3},
	)
	adapter := &scriptedAdapter{name: "tc-a", makeProof: func(c *workcell.Handle) *proof.Proof {
		return verifiedProof(c, 0.9)
	}}
	h := newHarness(t, Config{PollInterval: 10 * time.Millisecond}, graph, adapter)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.orch.RunUntilIdle(ctx, false); err != nil {
		t.Fatalf("RunUntilIdle: %v", err)
	}

	// The blocked issue becomes dispatchable once its blocker is done.
	for _, id := range []string{"wg-1", "wg-2"} {
		if got := graph.Get(id); got.Status != workgraph.StatusDone {
			t.Errorf("%s status = %q, want done", id, got.Status)
		}
	}
}

// countingGraph counts Load calls on the wrapped client.
type countingGraph struct {
	workgraph.Client
	mu    sync.Mutex
	loads int
}

func (c *countingGraph) Load(ctx context.Context) (*workgraph.Graph, error) {
	c.mu.Lock()
	c.loads++
	c.mu.Unlock()
	return c.Client.Load(ctx)
}

func (c *countingGraph) loadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads
}

func TestRunUntilIdle_StopWhileWatchingIdle(t *testing.T) {
	t.Parallel()
	graph := &countingGraph{Client: workgraph.NewMemoryClient()}
	orch := New(Config{PollInterval: 50 * time.Millisecond}, Deps{
		Graph:      graph,
		Cells:      newFakeCells(t),
		Toolchains: toolchain.NewRegistry(),
	})

	done := make(chan error, 1)
	go func() { done <- orch.RunUntilIdle(context.Background(), true) }()

	time.Sleep(100 * time.Millisecond)
	orch.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunUntilIdle: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunUntilIdle did not return after Stop while idle")
	}

	// Idle cycles wait out the poll interval; a runaway loop would rack up
	// orders of magnitude more loads than the elapsed time allows.
	if n := graph.loadCount(); n > 100 {
		t.Errorf("graph loaded %d times while idle", n)
	}
}

func TestDispatchAsync_DoesNotTouchGraph(t *testing.T) {
	t.Parallel()
	graph := workgraph.NewMemoryClient(&workgraph.Issue{
		ID: "wg-1", Title: "fix parser", Status: workgraph.StatusReady, MaxAttempts: 3,
	})
	adapter := &scriptedAdapter{name: "tc-a", makeProof: func(c *workcell.Handle) *proof.Proof {
		return verifiedProof(c, 0.9)
	}}
	h := newHarness(t, Config{}, graph, adapter)

	pending := h.orch.DispatchAsync(context.Background(), graph.Get("wg-1"))
	res, err := pending.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Failed() {
		t.Fatalf("dispatch failed: %v", res.Err)
	}
	if res.Proof.WorkcellID != res.Cell.ID {
		t.Errorf("proof workcell = %q, cell = %q", res.Proof.WorkcellID, res.Cell.ID)
	}
	// Dispatching alone never mutates issue state; settling does.
	if got := graph.Get("wg-1"); got.Status != workgraph.StatusReady || got.Attempts != 0 {
		t.Errorf("issue mutated by dispatch: %+v", got)
	}
}

func TestRunCycle_TargetIssueClosure(t *testing.T) {
	t.Parallel()
	graph := workgraph.NewMemoryClient(
		&workgraph.Issue{ID: "wg-1", Title: "dep", Status: workgraph.StatusReady, MaxAttempts: 3},
		&workgraph.Issue{ID: "wg-2", Title: "target", Status: workgraph.StatusReady, BlockedBy: []string{"wg-1"}, MaxAttempts: 3},
		&workgraph.Issue{ID: "wg-3", Title: "unrelated", Status: workgraph.StatusReady, MaxAttempts: 3},
	)
	adapter := &scriptedAdapter{name: "tc-a", makeProof: func(c *workcell.Handle) *proof.Proof {
		return verifiedProof(c, 0.9)
	}}
	h := newHarness(t, Config{TargetIssue: "wg-2"}, graph, adapter)

	if _, err := h.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	// Only the blocker of the target runs; the unrelated issue stays put.
	if got := graph.Get("wg-1"); got.Status != workgraph.StatusDone {
		t.Errorf("wg-1 status = %q, want done", got.Status)
	}
	if got := graph.Get("wg-3"); got.Status != workgraph.StatusReady {
		t.Errorf("wg-3 status = %q, want untouched ready", got.Status)
	}
}
