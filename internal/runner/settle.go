package runner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/papapumpkin/magnetar/internal/manifest"
	"github.com/papapumpkin/magnetar/internal/proof"
	"github.com/papapumpkin/magnetar/internal/telemetry"
	"github.com/papapumpkin/magnetar/internal/transition"
	"github.com/papapumpkin/magnetar/internal/verifier"
	"github.com/papapumpkin/magnetar/internal/workgraph"
)

// settle resolves a completed dispatch set back into the graph: verify the
// winner, commit it, or charge one attempt and retry or escalate. Exactly one
// attempt is charged per resolved set regardless of fan-out width.
func (o *Orchestrator) settle(ctx context.Context, cycleID string, is *workgraph.Issue, results []*DispatchResult) {
	declared := manifest.GatesFor(is)

	winner, tier := o.pickWinner(cycleID, is, declared, results)

	verified := winner != nil &&
		tier == verifier.TierVerified &&
		o.deps.Verifier.Verify(ctx, declared, winner.Proof, winner.Cell.Dir)

	if verified {
		o.commitWinner(ctx, cycleID, is, winner, results)
		return
	}
	o.settleFailure(ctx, cycleID, is, winner, tier, results)
}

// pickWinner selects at most one candidate from the set. Single dispatches
// short-circuit; fan-outs go through the vote.
func (o *Orchestrator) pickWinner(cycleID string, is *workgraph.Issue, declared []string, results []*DispatchResult) (*DispatchResult, verifier.Tier) {
	if len(results) == 1 {
		r := results[0]
		if r.Failed() {
			return nil, verifier.TierUnverified
		}
		if verifier.GatesPass(declared, r.Proof) {
			return r, verifier.TierVerified
		}
		if r.Proof.Verification.AllPassed {
			return r, verifier.TierClaimed
		}
		return r, verifier.TierUnverified
	}

	byWorkcell := make(map[string]*DispatchResult, len(results))
	var candidates []*proof.Proof
	for _, r := range results {
		if r.Err != nil || !r.Proof.Usable() {
			continue
		}
		byWorkcell[r.Proof.WorkcellID] = r
		candidates = append(candidates, r.Proof)
	}

	outcome := verifier.Vote(declared, candidates)

	voteData := map[string]any{"candidates": len(candidates)}
	if outcome != nil {
		voteData["winner"] = outcome.Proof.WorkcellID
		voteData["tier"] = outcome.Tier.String()
	}
	o.deps.Telemetry.Emit(telemetry.Event{
		Timestamp: time.Now(),
		Kind:      telemetry.KindVoteDone,
		CycleID:   cycleID,
		IssueID:   is.ID,
		Data:      voteData,
	})

	if outcome == nil {
		return nil, verifier.TierUnverified
	}
	return byWorkcell[outcome.Proof.WorkcellID], outcome.Tier
}

// commitWinner applies the winning patch, marks the issue done, records the
// transition, and disposes of every workcell (the winner keeps its logs).
func (o *Orchestrator) commitWinner(ctx context.Context, cycleID string, is *workgraph.Issue, winner *DispatchResult, results []*DispatchResult) {
	branch := winner.Proof.Patch.Branch
	if o.deps.Patcher != nil {
		if err := o.deps.Patcher.Apply(ctx, branch); err != nil {
			// The verified work still exists on its branch; surface the merge
			// failure for a human instead of discarding the win.
			o.logger.Errorw("patch apply failed, branch preserved",
				"issue_id", is.ID, "branch", branch, "error", err)
			if aerr := o.deps.Graph.AddEvent(ctx, is.ID, "merge_failed", branch); aerr != nil {
				o.logger.Warnw("add event failed", "issue_id", is.ID, "error", aerr)
			}
		}
	}

	if err := o.deps.Graph.UpdateStatus(ctx, is.ID, workgraph.StatusDone); err != nil {
		o.logger.Errorw("mark done failed", "issue_id", is.ID, "error", err)
	}
	if err := o.deps.Graph.AddEvent(ctx, is.ID, "completed", winner.Cell.ID); err != nil {
		o.logger.Warnw("add event failed", "issue_id", is.ID, "error", err)
	}

	o.recordTransition(ctx, is, winner, transition.StateVerified, "")
	o.emitIssueState(cycleID, is.ID, workgraph.StatusDone)
	o.logger.Infow("issue completed",
		"issue_id", is.ID,
		"workcell_id", winner.Cell.ID,
		"toolchain", winner.Toolchain,
		"branch", branch)

	o.cleanupAll(ctx, results, winner)
}

// settleFailure charges one attempt and either requeues the issue or
// escalates it when the retry budget is spent.
func (o *Orchestrator) settleFailure(ctx context.Context, cycleID string, is *workgraph.Issue, best *DispatchResult, tier verifier.Tier, results []*DispatchResult) {
	attempts, err := o.deps.Graph.IncrementAttempts(ctx, is.ID)
	if err != nil {
		o.logger.Errorw("increment attempts failed", "issue_id", is.ID, "error", err)
		attempts = is.Attempts + 1
	}

	toState := transition.StateFailed
	if best != nil && best.Proof.Usable() {
		toState = transition.StateUnverified
	}
	o.recordTransition(ctx, is, best, toState, tier.String())

	if err := o.deps.Graph.AddEvent(ctx, is.ID, "attempt_failed", failureSummary(results)); err != nil {
		o.logger.Warnw("add event failed", "issue_id", is.ID, "error", err)
	}

	if attempts >= is.MaxAttempts {
		o.escalate(ctx, cycleID, is, attempts, results)
	} else {
		if err := o.deps.Graph.UpdateStatus(ctx, is.ID, workgraph.StatusReady); err != nil {
			o.logger.Errorw("requeue failed", "issue_id", is.ID, "error", err)
		}
		o.emitIssueState(cycleID, is.ID, workgraph.StatusReady)
		o.logger.Warnw("dispatch failed, requeued",
			"issue_id", is.ID,
			"attempts", attempts,
			"max_attempts", is.MaxAttempts)
	}

	o.cleanupAll(ctx, results, best)
}

// escalate parks the issue and creates a linked escalation issue for human
// review. Escalation issues never escalate again; that is the storm guard.
func (o *Orchestrator) escalate(ctx context.Context, cycleID string, is *workgraph.Issue, attempts int, results []*DispatchResult) {
	if err := o.deps.Graph.UpdateStatus(ctx, is.ID, workgraph.StatusEscalated); err != nil {
		o.logger.Errorw("mark escalated failed", "issue_id", is.ID, "error", err)
	}
	o.emitIssueState(cycleID, is.ID, workgraph.StatusEscalated)
	o.logger.Errorw("issue escalated",
		"issue_id", is.ID,
		"attempts", attempts,
		"max_attempts", is.MaxAttempts)

	if is.IsEscalation() {
		// Never chain escalations off escalations.
		return
	}

	title := fmt.Sprintf("%s %s: %s", workgraph.EscalationTitlePrefix, is.ID, is.Title)
	desc := fmt.Sprintf("Automated dispatch of %s exhausted %d/%d attempts.\n\nLast failure:\n%s",
		is.ID, attempts, is.MaxAttempts, failureSummary(results))
	escID, err := o.deps.Graph.CreateIssue(ctx, title, workgraph.CreateOpts{
		Description: desc,
		Priority:    is.Priority,
		Tags:        []string{workgraph.TagEscalation},
	})
	if err != nil {
		o.logger.Errorw("create escalation issue failed", "issue_id", is.ID, "error", err)
		return
	}
	o.deps.Telemetry.Emit(telemetry.Event{
		Timestamp: time.Now(),
		Kind:      telemetry.KindEscalationCreated,
		CycleID:   cycleID,
		IssueID:   is.ID,
		Data:      map[string]string{"escalation_id": escID},
	})
	o.logger.Infow("escalation issue created", "issue_id", is.ID, "escalation_id", escID)
}

// cleanupAll disposes of every workcell in the set. The kept result (winner,
// or best failure candidate) retains its logs and manifest for auditing.
func (o *Orchestrator) cleanupAll(ctx context.Context, results []*DispatchResult, keep *DispatchResult) {
	for _, r := range results {
		if r.Cell == nil {
			continue
		}
		keepLogs := keep != nil && r == keep
		if err := o.deps.Cells.Cleanup(ctx, r.Cell, keepLogs); err != nil {
			o.logger.Warnw("workcell cleanup failed", "workcell_id", r.Cell.ID, "error", err)
		}
	}
}

// recordTransition appends one transition record per resolved dispatch set.
// Log failures are never allowed to affect issue state.
func (o *Orchestrator) recordTransition(ctx context.Context, is *workgraph.Issue, r *DispatchResult, toState, tierLabel string) {
	if o.deps.Transitions == nil {
		return
	}

	action := "dispatch"
	obs := ""
	if r != nil {
		if r.Toolchain != "" {
			action = "dispatch:" + r.Toolchain
		}
		if r.Err != nil {
			obs = r.Err.Error()
		} else if r.Proof != nil {
			obs = proofObservations(r.Proof)
		}
	}
	if tierLabel != "" {
		obs = strings.TrimSpace("tier=" + tierLabel + " " + obs)
	}

	rec := transition.New(string(is.Status), toState, action,
		fmt.Sprintf("%s: %s", is.ID, is.Title), obs, time.Now())
	if err := o.deps.Transitions.Insert(ctx, rec); err != nil {
		o.logger.Errorw("transition record failed",
			"issue_id", is.ID, "to_state", toState, "error", err)
	}
}

func (o *Orchestrator) emitIssueState(cycleID, issueID string, st workgraph.Status) {
	o.deps.Telemetry.Emit(telemetry.Event{
		Timestamp: time.Now(),
		Kind:      telemetry.KindIssueState,
		CycleID:   cycleID,
		IssueID:   issueID,
		Data:      map[string]string{"status": string(st)},
	})
}

// failureSummary condenses a dispatch set's outcomes into one line per
// candidate for events and escalation descriptions.
func failureSummary(results []*DispatchResult) string {
	var lines []string
	for _, r := range results {
		id := "(no workcell)"
		if r.Cell != nil {
			id = r.Cell.ID
		}
		switch {
		case r.Err != nil:
			lines = append(lines, fmt.Sprintf("%s: %v", id, r.Err))
		case r.Proof != nil:
			lines = append(lines, fmt.Sprintf("%s: status=%s %s", id, r.Proof.Status, proofObservations(r.Proof)))
		default:
			lines = append(lines, id+": no proof")
		}
	}
	return strings.Join(lines, "\n")
}

// proofObservations summarizes failing gates, e.g. "gates failed: tests[T1,T2]".
func proofObservations(p *proof.Proof) string {
	var failed []string
	for name, g := range p.Verification.Gates {
		if g.Passed {
			continue
		}
		if len(g.FailCodes) > 0 {
			failed = append(failed, name+"["+strings.Join(g.FailCodes, ",")+"]")
		} else {
			failed = append(failed, name)
		}
	}
	if len(failed) == 0 {
		return "all reported gates passed"
	}
	sort.Strings(failed)
	return "gates failed: " + strings.Join(failed, " ")
}
