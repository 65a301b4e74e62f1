// Package scheduler selects the issues to dispatch in one orchestration
// cycle. Scheduling is a pure decision over the graph snapshot and the
// running set: given the same inputs it always returns the same result —
// no randomness, no hidden state, no I/O.
package scheduler

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/papapumpkin/magnetar/internal/workgraph"
)

// TagSpeculate explicitly opts an issue into speculate dispatch regardless
// of its risk classification.
const TagSpeculate = "speculate"

// Config holds the scheduling knobs.
type Config struct {
	// MaxConcurrentWorkcells is the global concurrency budget. Admitted
	// lanes never exceed it minus the currently running count.
	MaxConcurrentWorkcells int

	// SpeculateParallelism is the controller-provided desired fan-out for
	// speculate issues. The resolved value is additionally capped by the
	// number of available toolchains and floored at 1.
	SpeculateParallelism int
}

// Skip records why an issue was not admitted this cycle. Skips are
// diagnostics; skipped issues are reconsidered from scratch next cycle.
type Skip struct {
	Issue  *workgraph.Issue
	Reason string
}

// Result is the outcome of one scheduling pass.
type Result struct {
	// Lanes are the admitted issues, in dispatch order.
	Lanes []*workgraph.Issue
	// Speculate maps admitted issue IDs to their resolved fan-out K.
	// Issues absent from the map dispatch once.
	Speculate map[string]int
	// Skipped lists issues that failed an eligibility check, with reasons.
	Skipped []Skip
}

// ToolchainSource reports which toolchains can currently accept work.
// Defined here (where consumed) per project convention.
type ToolchainSource interface {
	AvailableNames() []string
}

// Scheduler partitions ready work into single-dispatch and speculate lanes.
type Scheduler struct {
	cfg        Config
	toolchains ToolchainSource
	logger     *zap.SugaredLogger
}

// New creates a scheduler. logger may be nil.
func New(cfg Config, toolchains ToolchainSource, logger *zap.SugaredLogger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Scheduler{cfg: cfg, toolchains: toolchains, logger: logger.Named("scheduler")}
}

// Schedule selects up to the remaining concurrency budget of eligible
// issues from the snapshot. Issues are visited in deterministic priority
// order: priority ascending (0 is most urgent), then risk descending so
// speculate-eligible work is admitted before the budget is consumed by
// cheap lanes, then ID ascending as the final tie-break.
func (s *Scheduler) Schedule(g *workgraph.Graph, running map[string]bool) Result {
	res := Result{Speculate: make(map[string]int)}

	budget := s.cfg.MaxConcurrentWorkcells - len(running)
	if budget < 0 {
		budget = 0
	}

	available := s.toolchains.AvailableNames()

	issues := g.Issues()
	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if ra, rb := riskRank(a.Risk), riskRank(b.Risk); ra != rb {
			return ra > rb
		}
		return a.ID < b.ID
	})

	for _, is := range issues {
		// Terminal issues are not diagnostics-worthy; drop silently.
		if is.Status == workgraph.StatusDone || is.Status == workgraph.StatusEscalated {
			continue
		}

		if reason, ok := s.ineligible(g, is, running); ok {
			res.Skipped = append(res.Skipped, Skip{Issue: is, Reason: reason})
			continue
		}

		if len(res.Lanes) >= budget {
			res.Skipped = append(res.Skipped, Skip{Issue: is, Reason: "concurrency budget reached"})
			continue
		}

		res.Lanes = append(res.Lanes, is)
		if s.wantsSpeculate(is) && len(available) > 0 {
			res.Speculate[is.ID] = s.resolveParallelism(len(available))
		}
	}

	s.logger.Debugw("schedule computed",
		"lanes", len(res.Lanes),
		"speculate", len(res.Speculate),
		"skipped", len(res.Skipped),
		"budget", budget)
	return res
}

// ineligible applies the candidate checks in order and returns the first
// failing reason.
func (s *Scheduler) ineligible(g *workgraph.Graph, is *workgraph.Issue, running map[string]bool) (string, bool) {
	if running[is.ID] {
		return "already running", true
	}
	if is.Status != workgraph.StatusOpen && is.Status != workgraph.StatusReady {
		return fmt.Sprintf("status %q not schedulable", is.Status), true
	}
	if is.Exhausted() {
		return fmt.Sprintf("attempts exhausted (%d/%d)", is.Attempts, is.MaxAttempts), true
	}
	if is.IsEscalation() {
		return "escalation issue, awaiting human review", true
	}
	if dep, blocked := g.Blocked(is.ID); blocked {
		return fmt.Sprintf("blocked by %s", dep), true
	}
	return "", false
}

// wantsSpeculate reports whether the issue should fan out: high risk, or an
// explicit speculate tag.
func (s *Scheduler) wantsSpeculate(is *workgraph.Issue) bool {
	return is.Risk == workgraph.RiskHigh || is.HasTag(TagSpeculate)
}

// resolveParallelism caps the desired fan-out by the available toolchain
// count and floors it at 1.
func (s *Scheduler) resolveParallelism(availableToolchains int) int {
	k := s.cfg.SpeculateParallelism
	if k > availableToolchains {
		k = availableToolchains
	}
	if k < 1 {
		k = 1
	}
	return k
}

func riskRank(r workgraph.Risk) int {
	switch r {
	case workgraph.RiskHigh:
		return 2
	case workgraph.RiskMedium:
		return 1
	default:
		return 0
	}
}
