package workgraph

import (
	"context"
	"fmt"
	"sync"
)

// MemoryClient is an in-process Client backed by a map. It exists for tests
// and for dry runs against a synthetic graph; it is safe for concurrent use.
type MemoryClient struct {
	mu     sync.Mutex
	issues map[string]*Issue
	nextID int

	// Events collects AddEvent calls in order, for assertions.
	Events []MemoryEvent
}

// MemoryEvent is one recorded AddEvent call.
type MemoryEvent struct {
	IssueID string
	Kind    string
	Payload string
}

// NewMemoryClient seeds an in-memory graph with the given issues. The
// snapshots handed back by Load copy issue values so callers cannot mutate
// store state through them.
func NewMemoryClient(issues ...*Issue) *MemoryClient {
	m := &MemoryClient{issues: make(map[string]*Issue, len(issues))}
	for _, is := range issues {
		cp := *is
		m.issues[is.ID] = &cp
	}
	return m
}

// Load returns a snapshot of the current state.
func (m *MemoryClient) Load(ctx context.Context) (*Graph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Issue, 0, len(m.issues))
	for _, is := range m.issues {
		cp := *is
		out = append(out, &cp)
	}
	return NewGraph(out), nil
}

// UpdateStatus sets an issue's status.
func (m *MemoryClient) UpdateStatus(ctx context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	is, ok := m.issues[id]
	if !ok {
		return fmt.Errorf("workgraph: issue %s not found", id)
	}
	is.Status = status
	return nil
}

// IncrementAttempts bumps and returns the attempt counter.
func (m *MemoryClient) IncrementAttempts(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	is, ok := m.issues[id]
	if !ok {
		return 0, fmt.Errorf("workgraph: issue %s not found", id)
	}
	is.Attempts++
	return is.Attempts, nil
}

// AddEvent records the event for later inspection.
func (m *MemoryClient) AddEvent(ctx context.Context, id, kind, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.issues[id]; !ok {
		return fmt.Errorf("workgraph: issue %s not found", id)
	}
	m.Events = append(m.Events, MemoryEvent{IssueID: id, Kind: kind, Payload: payload})
	return nil
}

// CreateIssue adds a new open issue and returns its generated ID.
func (m *MemoryClient) CreateIssue(ctx context.Context, title string, opts CreateOpts) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("mem-%d", m.nextID)
	m.issues[id] = &Issue{
		ID:          id,
		Title:       title,
		Description: opts.Description,
		Status:      StatusOpen,
		Priority:    opts.Priority,
		Tags:        append([]string(nil), opts.Tags...),
		Risk:        RiskLow,
		MaxAttempts: 3,
	}
	return id, nil
}

// Get returns the live issue record, for test assertions.
func (m *MemoryClient) Get(id string) *Issue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.issues[id]
}
