// Package workgraph defines the issue work graph consumed by the
// orchestrator: issue snapshots, their blocking-dependency relation, and the
// client contract for the external graph store. The orchestrator never owns
// issue state — every mutation goes through the Client.
package workgraph

import "context"

// Status is the lifecycle state of an issue.
type Status string

const (
	StatusOpen      Status = "open"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusEscalated Status = "escalated"
)

// Risk classifies how likely an issue is to need multiple candidate
// solutions. High-risk issues are eligible for speculate dispatch.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// TagEscalation marks issues created by the escalation path. Issues carrying
// it are never scheduled and never escalate again.
const TagEscalation = "escalation"

// EscalationTitlePrefix is the title convention for escalation issues,
// checked in addition to TagEscalation to guard against escalation storms.
const EscalationTitlePrefix = "[ESCALATION]"

// Issue is a single unit of work. Snapshots are immutable within a cycle;
// the authoritative copy lives in the external graph store.
type Issue struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Status             Status   `json:"status"`
	Tags               []string `json:"tags,omitempty"`
	Priority           int      `json:"priority"` // 0 is most urgent
	Risk               Risk     `json:"risk"`
	Size               string   `json:"size,omitempty"`
	Attempts           int      `json:"attempts"`
	MaxAttempts        int      `json:"max_attempts"`
	ToolHint           string   `json:"tool_hint,omitempty"`
	ForbiddenPaths     []string `json:"forbidden_paths,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	BlockedBy          []string `json:"blocked_by,omitempty"`
}

// HasTag reports whether the issue carries the given tag.
func (i *Issue) HasTag(tag string) bool {
	for _, t := range i.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// IsEscalation reports whether the issue is itself an escalation, detected
// by tag or title convention.
func (i *Issue) IsEscalation() bool {
	if i.HasTag(TagEscalation) {
		return true
	}
	return len(i.Title) >= len(EscalationTitlePrefix) &&
		i.Title[:len(EscalationTitlePrefix)] == EscalationTitlePrefix
}

// Exhausted reports whether the issue's retry budget is spent.
func (i *Issue) Exhausted() bool {
	return i.Attempts >= i.MaxAttempts
}

// CreateOpts holds the fields for creating a new issue through the client.
type CreateOpts struct {
	Description string
	Priority    int
	Tags        []string
}

// Client is the narrow contract to the external work graph store. All issue
// mutations flow through it; implementations provide their own concurrency
// safety per call but are not assumed safe for unsynchronized concurrent
// writes to the same issue.
type Client interface {
	// Load fetches a fresh snapshot of the whole graph.
	Load(ctx context.Context) (*Graph, error)

	// UpdateStatus sets an issue's lifecycle status.
	UpdateStatus(ctx context.Context, id string, status Status) error

	// IncrementAttempts bumps the attempt counter and returns the new value.
	IncrementAttempts(ctx context.Context, id string) (int, error)

	// AddEvent appends a diagnostic event to an issue's history.
	AddEvent(ctx context.Context, id, kind, payload string) error

	// CreateIssue creates a new issue and returns its ID.
	CreateIssue(ctx context.Context, title string, opts CreateOpts) (string, error)
}
