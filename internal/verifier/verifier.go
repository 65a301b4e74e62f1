// Package verifier validates dispatch proofs against their declared quality
// gates and, for speculate fan-outs, selects a single winner among competing
// candidates. All decision logic here is pure and deterministic; the only
// side effect is the optional gate confirmation subprocess.
package verifier

import (
	"bytes"
	"context"
	"os/exec"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/papapumpkin/magnetar/internal/proof"
)

// Verifier checks proofs. Confirm optionally maps gate names to shell
// commands re-run inside the workcell to confirm the adapter's report; gates
// without an entry are trusted as reported.
type Verifier struct {
	Confirm map[string][]string
	Logger  *zap.SugaredLogger
}

// New creates a verifier. logger may be nil.
func New(confirm map[string][]string, logger *zap.SugaredLogger) *Verifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Verifier{Confirm: confirm, Logger: logger.Named("verifier")}
}

// GatesPass is the fail-closed gate check: every declared gate must be
// present in the proof and report passed. A declared gate missing from the
// proof is a failure even when the proof claims all_passed.
func GatesPass(declared []string, p *proof.Proof) bool {
	if p == nil {
		return false
	}
	for _, name := range declared {
		g, ok := p.Gate(name)
		if !ok || !g.Passed {
			return false
		}
	}
	return true
}

// Verify confirms that the proof satisfies every declared gate. When a
// confirmation command is configured for a gate, it is re-run inside the
// workcell directory and must exit zero. Verify is read-only with respect to
// issue state, so it is safe to call once per candidate.
func (v *Verifier) Verify(ctx context.Context, declared []string, p *proof.Proof, workDir string) bool {
	if !GatesPass(declared, p) {
		return false
	}
	for _, name := range declared {
		cmdline, ok := v.Confirm[name]
		if !ok || len(cmdline) == 0 {
			continue
		}
		if err := v.runConfirm(ctx, workDir, cmdline); err != nil {
			v.Logger.Warnw("gate confirmation failed",
				"gate", name,
				"workcell_id", p.WorkcellID,
				"error", err)
			return false
		}
	}
	return true
}

// runConfirm executes one confirmation command in the workcell directory.
func (v *Verifier) runConfirm(ctx context.Context, workDir string, cmdline []string) error {
	cmd := exec.CommandContext(ctx, cmdline[0], cmdline[1:]...)
	cmd.Dir = workDir

	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	if err := cmd.Run(); err != nil {
		out := strings.TrimSpace(combined.String())
		if out != "" {
			v.Logger.Debugw("confirmation output", "command", cmdline[0], "output", out)
		}
		return err
	}
	return nil
}

// Tier labels how strong the evidence behind a vote winner is. Anything
// beyond TierVerified must be treated as a failure path by the caller.
type Tier int

const (
	// TierVerified: every declared gate present and passed.
	TierVerified Tier = iota
	// TierClaimed: the proof self-reports all_passed but omits at least one
	// declared gate.
	TierClaimed
	// TierUnverified: best remaining candidate regardless of gates.
	TierUnverified
)

// String returns the tier's transition-log label.
func (t Tier) String() string {
	switch t {
	case TierVerified:
		return "verified"
	case TierClaimed:
		return "claimed"
	default:
		return "unverified"
	}
}

// Outcome is a vote result: the winning proof and the evidence tier it won
// at.
type Outcome struct {
	Proof *proof.Proof
	Tier  Tier
}

// Vote selects at most one winner among competing candidate proofs for a
// speculate fan-out. The cascade:
//
//  1. candidates passing the fail-closed gate check,
//  2. else candidates whose proof claims all_passed,
//  3. else every remaining candidate.
//
// Within a tier the winner is the highest confidence; ties break by lowest
// workcell ID lexicographically so the vote is deterministic. Returns nil
// when there are no candidates.
func Vote(declared []string, candidates []*proof.Proof) *Outcome {
	var live []*proof.Proof
	for _, c := range candidates {
		if c != nil {
			live = append(live, c)
		}
	}
	if len(live) == 0 {
		return nil
	}

	if verified := filterProofs(live, func(p *proof.Proof) bool { return GatesPass(declared, p) }); len(verified) > 0 {
		return &Outcome{Proof: best(verified), Tier: TierVerified}
	}
	if claimed := filterProofs(live, func(p *proof.Proof) bool { return p.Verification.AllPassed }); len(claimed) > 0 {
		return &Outcome{Proof: best(claimed), Tier: TierClaimed}
	}
	return &Outcome{Proof: best(live), Tier: TierUnverified}
}

func filterProofs(in []*proof.Proof, keep func(*proof.Proof) bool) []*proof.Proof {
	var out []*proof.Proof
	for _, p := range in {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

// best returns the highest-confidence proof, breaking ties by lowest
// workcell ID.
func best(in []*proof.Proof) *proof.Proof {
	sorted := append([]*proof.Proof(nil), in...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Confidence != sorted[j].Confidence {
			return sorted[i].Confidence > sorted[j].Confidence
		}
		return sorted[i].WorkcellID < sorted[j].WorkcellID
	})
	return sorted[0]
}
