package manifest

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/papapumpkin/magnetar/internal/workgraph"
)

func TestGatesFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		tags []string
		want []string
	}{
		{
			name: "defaults only",
			tags: nil,
			want: []string{"build", "tests"},
		},
		{
			name: "tag gates appended in order",
			tags: []string{"gate:lint", "parser", "gate:bench"},
			want: []string{"build", "tests", "lint", "bench"},
		},
		{
			name: "duplicates and empties dropped",
			tags: []string{"gate:tests", "gate:lint", "gate:lint", "gate:"},
			want: []string{"build", "tests", "lint"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := &workgraph.Issue{ID: "wg-1", Tags: tt.tags}
			got := GatesFor(is)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("GatesFor mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// The persisted manifest is a wire contract with adapter processes that may
// be written in other languages; these keys must never drift.
func TestManifest_WireKeysAreStable(t *testing.T) {
	t.Parallel()
	is := &workgraph.Issue{
		ID:          "wg-1",
		Title:       "fix parser",
		Risk:        workgraph.RiskHigh,
		MaxAttempts: 3,
	}
	m := Build(is, "wc-wg-1-cand-1-abc", "magnetar/wc-wg-1-cand-1-abc", "sonneteer",
		Sampling{Temperature: 0.7}, "cand-1", map[string]any{ControlTimeoutSeconds: 600})

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	for _, key := range []string{
		"workcell_id", "branch_name", "issue", "job_type", "toolchain",
		"toolchain_config", "quality_gates", "speculate_mode", "speculate_tag", "control",
	} {
		if _, ok := raw[key]; !ok {
			t.Errorf("wire key %q missing from serialized manifest", key)
		}
	}
}

func TestBuild_SpeculateMode(t *testing.T) {
	t.Parallel()
	is := &workgraph.Issue{ID: "wg-1"}

	single := Build(is, "wc-1", "b", "tc", Sampling{}, "", nil)
	if single.SpeculateMode {
		t.Error("empty tag should not set speculate mode")
	}
	fanned := Build(is, "wc-2", "b", "tc", Sampling{}, "cand-2", nil)
	if !fanned.SpeculateMode || fanned.SpeculateTag != "cand-2" {
		t.Errorf("speculate manifest = mode %t tag %q", fanned.SpeculateMode, fanned.SpeculateTag)
	}
}

func TestTimeoutOverride(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		control map[string]any
		want    time.Duration
	}{
		{"unset", nil, 0},
		{"int", map[string]any{ControlTimeoutSeconds: 600}, 10 * time.Minute},
		{"float from JSON round trip", map[string]any{ControlTimeoutSeconds: float64(90)}, 90 * time.Second},
		{"string", map[string]any{ControlTimeoutSeconds: "600"}, 10 * time.Minute},
		{"zero ignored", map[string]any{ControlTimeoutSeconds: 0}, 0},
		{"negative ignored", map[string]any{ControlTimeoutSeconds: -5}, 0},
		{"bad string ignored", map[string]any{ControlTimeoutSeconds: "soon"}, 0},
		{"wrong type ignored", map[string]any{ControlTimeoutSeconds: true}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Manifest{Control: tt.control}
			if got := m.TimeoutOverride(); got != tt.want {
				t.Errorf("TimeoutOverride() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWriteRead_RoundTrip(t *testing.T) {
	t.Parallel()
	is := &workgraph.Issue{
		ID:                 "wg-1",
		Title:              "fix parser",
		Tags:               []string{"gate:lint"},
		Risk:               workgraph.RiskMedium,
		MaxAttempts:        3,
		ForbiddenPaths:     []string{"vendor/"},
		AcceptanceCriteria: []string{"parses nested blocks"},
	}
	m := Build(is, "wc-1", "magnetar/wc-1", "sonneteer", Sampling{Temperature: 0.2, MaxTokens: 4096}, "", nil)

	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := m.Write(path); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if diff := cmp.Diff(m, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}
