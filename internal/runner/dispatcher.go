package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/papapumpkin/magnetar/internal/manifest"
	"github.com/papapumpkin/magnetar/internal/proof"
	"github.com/papapumpkin/magnetar/internal/telemetry"
	"github.com/papapumpkin/magnetar/internal/toolchain"
	"github.com/papapumpkin/magnetar/internal/workcell"
	"github.com/papapumpkin/magnetar/internal/workgraph"
)

// DispatchResult is the outcome of one dispatch: exactly one of Proof or Err
// is meaningful. Cell is nil when sandbox creation itself failed.
type DispatchResult struct {
	Issue     *workgraph.Issue
	Cell      *workcell.Handle
	Manifest  *manifest.Manifest
	Proof     *proof.Proof
	Toolchain string
	Err       error
}

// Failed reports whether this dispatch produced no usable proof.
func (r *DispatchResult) Failed() bool {
	return r.Err != nil || !r.Proof.Usable()
}

// dispatchOne runs a single dispatch of the issue. adapter may be nil, in
// which case it is resolved from the override and the issue's tool hint.
// Every failure mode returns a failed DispatchResult; issue state is never
// touched here.
func (o *Orchestrator) dispatchOne(ctx context.Context, cycleID string, is *workgraph.Issue, speculateTag string, adapter toolchain.Adapter) *DispatchResult {
	res := &DispatchResult{Issue: is}

	if adapter == nil {
		a, err := o.deps.Toolchains.Resolve(o.cfg.ToolchainOverride, is.ToolHint)
		if err != nil {
			res.Err = fmt.Errorf("runner: resolve toolchain for %s: %w", is.ID, err)
			return res
		}
		adapter = a
	}
	res.Toolchain = adapter.Name()

	cell, err := o.deps.Cells.Create(ctx, is.ID, speculateTag)
	if err != nil {
		res.Err = fmt.Errorf("runner: create workcell for %s: %w", is.ID, err)
		return res
	}
	res.Cell = cell

	m := manifest.Build(is, cell.ID, cell.Branch, adapter.Name(), adapter.Sampling(), speculateTag, o.cfg.Control)
	res.Manifest = m
	if err := m.Write(filepath.Join(cell.Dir, workcell.ManifestFile)); err != nil {
		res.Err = fmt.Errorf("runner: persist manifest for %s: %w", cell.ID, err)
		return res
	}

	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			res.Err = fmt.Errorf("runner: dispatch rate wait: %w", err)
			return res
		}
	}

	timeout := o.cfg.DispatchTimeout
	if ov := m.TimeoutOverride(); ov > 0 {
		timeout = ov
	}

	o.deps.Telemetry.Emit(telemetry.Event{
		Timestamp:  time.Now(),
		Kind:       telemetry.KindDispatchStart,
		CycleID:    cycleID,
		IssueID:    is.ID,
		WorkcellID: cell.ID,
		Data: map[string]any{
			"toolchain":     adapter.Name(),
			"speculate_tag": speculateTag,
			"timeout_sec":   int(timeout.Seconds()),
		},
	})
	o.logger.Infow("dispatching",
		"issue_id", is.ID,
		"workcell_id", cell.ID,
		"toolchain", adapter.Name(),
		"speculate_tag", speculateTag)

	p, err := adapter.Execute(ctx, m, cell, timeout)
	if err != nil {
		res.Err = fmt.Errorf("runner: execute %s on %s: %w", adapter.Name(), is.ID, err)
	} else {
		res.Proof = p
	}

	o.deps.Telemetry.Emit(telemetry.Event{
		Timestamp:  time.Now(),
		Kind:       telemetry.KindDispatchDone,
		CycleID:    cycleID,
		IssueID:    is.ID,
		WorkcellID: cell.ID,
		Data:       dispatchDoneData(res),
	})
	return res
}

// Pending is the handle to an in-flight dispatch started asynchronously.
type Pending struct {
	IssueID      string
	SpeculateTag string

	done chan *DispatchResult
}

// Wait blocks until the dispatch resolves or the context ends.
func (p *Pending) Wait(ctx context.Context) (*DispatchResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-p.done:
		return res, nil
	}
}

// DispatchAsync starts a single dispatch of the issue without blocking and
// without touching issue state. The caller owns settling the result.
func (o *Orchestrator) DispatchAsync(ctx context.Context, is *workgraph.Issue) *Pending {
	return o.dispatchAsync(ctx, "", is, "", nil)
}

func (o *Orchestrator) dispatchAsync(ctx context.Context, cycleID string, is *workgraph.Issue, speculateTag string, adapter toolchain.Adapter) *Pending {
	p := &Pending{IssueID: is.ID, SpeculateTag: speculateTag, done: make(chan *DispatchResult, 1)}
	go func() {
		p.done <- o.dispatchOne(ctx, cycleID, is, speculateTag, adapter)
	}()
	return p
}

// dispatchSet fans the issue out to k candidate workcells, one per available
// toolchain in routing order, and joins them all before returning. The join
// is the synchronization barrier: no candidate outcome is acted on until
// every sibling has resolved.
func (o *Orchestrator) dispatchSet(ctx context.Context, cycleID string, is *workgraph.Issue, k int) []*DispatchResult {
	adapters := o.deps.Toolchains.Available()
	if k > len(adapters) {
		k = len(adapters)
	}
	if k < 1 {
		k = 1
	}

	pending := make([]*Pending, k)
	for i := 0; i < k; i++ {
		var adapter toolchain.Adapter
		if i < len(adapters) {
			adapter = adapters[i]
		}
		pending[i] = o.dispatchAsync(ctx, cycleID, is, fmt.Sprintf("cand-%d", i+1), adapter)
	}

	results := make([]*DispatchResult, k)
	for i, p := range pending {
		// The send is buffered, so draining the channel cannot block forever.
		results[i] = <-p.done
	}
	return results
}

func dispatchDoneData(res *DispatchResult) map[string]any {
	data := map[string]any{"toolchain": res.Toolchain}
	if res.Err != nil {
		data["error"] = res.Err.Error()
		return data
	}
	data["status"] = string(res.Proof.Status)
	data["all_passed"] = res.Proof.Verification.AllPassed
	data["confidence"] = res.Proof.Confidence
	return data
}
