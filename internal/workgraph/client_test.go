package workgraph

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBuildCreateArgs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		title string
		opts  CreateOpts
		want  []string
	}{
		{
			name:  "minimal",
			title: "fix it",
			opts:  CreateOpts{},
			want:  []string{"create", "fix it", "--silent", "-p", "0"},
		},
		{
			name:  "full",
			title: "[ESCALATION] wg-1: fix it",
			opts:  CreateOpts{Description: "details", Priority: 2, Tags: []string{"escalation", "parser"}},
			want: []string{
				"create", "[ESCALATION] wg-1: fix it", "--silent",
				"-d", "details", "-p", "2", "-t", "escalation", "-t", "parser",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildCreateArgs(tt.title, tt.opts)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("buildCreateArgs mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMemoryClient_SnapshotIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemoryClient(issue("wg-1", StatusOpen))

	g, err := m.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// Mutating the snapshot must not leak into the store.
	g.Issue("wg-1").Status = StatusDone

	g2, err := m.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if g2.Issue("wg-1").Status != StatusOpen {
		t.Error("snapshot mutation leaked into store")
	}
}

func TestMemoryClient_Mutations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemoryClient(issue("wg-1", StatusOpen))

	if err := m.UpdateStatus(ctx, "wg-1", StatusRunning); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if got := m.Get("wg-1").Status; got != StatusRunning {
		t.Errorf("status = %q, want running", got)
	}

	n, err := m.IncrementAttempts(ctx, "wg-1")
	if err != nil || n != 1 {
		t.Fatalf("IncrementAttempts = (%d, %v), want (1, nil)", n, err)
	}

	if err := m.AddEvent(ctx, "wg-1", "attempt_failed", "boom"); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	if len(m.Events) != 1 || m.Events[0].Kind != "attempt_failed" {
		t.Errorf("Events = %+v", m.Events)
	}

	id, err := m.CreateIssue(ctx, "new work", CreateOpts{Priority: 1, Tags: []string{"escalation"}})
	if err != nil {
		t.Fatalf("CreateIssue: %v", err)
	}
	created := m.Get(id)
	if created == nil || created.Priority != 1 || !created.HasTag("escalation") {
		t.Errorf("created issue = %+v", created)
	}

	if err := m.UpdateStatus(ctx, "nope", StatusDone); err == nil {
		t.Error("expected error for unknown issue")
	}
}
