// Package manifest builds the execution contract handed to a toolchain
// adapter for one dispatch. The persisted JSON form is a wire contract with
// adapter processes that may be written in other languages — its field names
// must stay stable.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/papapumpkin/magnetar/internal/workgraph"
)

// JobTypeIssue is the only job type the orchestrator dispatches today.
const JobTypeIssue = "issue"

// ControlTimeoutSeconds is the control directive that overrides the
// dispatcher's wall-clock timeout.
const ControlTimeoutSeconds = "timeout_seconds"

// gateTagPrefix marks issue tags that declare a quality gate, e.g.
// "gate:unit-tests" declares the "unit-tests" gate.
const gateTagPrefix = "gate:"

// DefaultGates apply to every dispatch in addition to tag-declared gates.
var DefaultGates = []string{"build", "tests"}

// Sampling is the toolchain sampling configuration carried in the manifest
// and declared per toolchain in toolchains.toml.
type Sampling struct {
	Temperature float64 `json:"temperature,omitempty" toml:"temperature"`
	TopP        float64 `json:"top_p,omitempty" toml:"top_p"`
	MaxTokens   int     `json:"max_tokens,omitempty" toml:"max_tokens"`
}

// IssueSnapshot is the issue state frozen into the manifest at dispatch time.
type IssueSnapshot struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Priority           int      `json:"priority"`
	Risk               string   `json:"risk"`
	Size               string   `json:"size,omitempty"`
	Attempts           int      `json:"attempts"`
	MaxAttempts        int      `json:"max_attempts"`
	Tags               []string `json:"tags,omitempty"`
	ForbiddenPaths     []string `json:"forbidden_paths,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
}

// Manifest is the execution contract for one dispatch. Created fresh per
// dispatch, never mutated after handoff, persisted beside the workcell.
type Manifest struct {
	WorkcellID      string         `json:"workcell_id"`
	BranchName      string         `json:"branch_name"`
	Issue           IssueSnapshot  `json:"issue"`
	JobType         string         `json:"job_type"`
	Toolchain       string         `json:"toolchain"`
	ToolchainConfig Sampling       `json:"toolchain_config"`
	QualityGates    []string       `json:"quality_gates"`
	SpeculateMode   bool           `json:"speculate_mode"`
	SpeculateTag    string         `json:"speculate_tag,omitempty"`
	Control         map[string]any `json:"control,omitempty"`
}

// Build assembles a manifest for one dispatch of the given issue.
func Build(is *workgraph.Issue, workcellID, branch, toolchain string, sampling Sampling, speculateTag string, control map[string]any) *Manifest {
	return &Manifest{
		WorkcellID: workcellID,
		BranchName: branch,
		Issue: IssueSnapshot{
			ID:                 is.ID,
			Title:              is.Title,
			Description:        is.Description,
			Priority:           is.Priority,
			Risk:               string(is.Risk),
			Size:               is.Size,
			Attempts:           is.Attempts,
			MaxAttempts:        is.MaxAttempts,
			Tags:               append([]string(nil), is.Tags...),
			ForbiddenPaths:     append([]string(nil), is.ForbiddenPaths...),
			AcceptanceCriteria: append([]string(nil), is.AcceptanceCriteria...),
		},
		JobType:         JobTypeIssue,
		Toolchain:       toolchain,
		ToolchainConfig: sampling,
		QualityGates:    GatesFor(is),
		SpeculateMode:   speculateTag != "",
		SpeculateTag:    speculateTag,
		Control:         control,
	}
}

// GatesFor derives the declared quality gates for an issue: the defaults
// plus every "gate:<name>" tag, de-duplicated, in declaration order.
func GatesFor(is *workgraph.Issue) []string {
	gates := append([]string(nil), DefaultGates...)
	seen := make(map[string]bool, len(gates))
	for _, g := range gates {
		seen[g] = true
	}
	for _, t := range is.Tags {
		if !strings.HasPrefix(t, gateTagPrefix) {
			continue
		}
		name := strings.TrimPrefix(t, gateTagPrefix)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		gates = append(gates, name)
	}
	return gates
}

// TimeoutOverride returns the control-directed dispatch timeout, or zero if
// none is set. Both numeric and string forms are accepted since control maps
// round-trip through JSON.
func (m *Manifest) TimeoutOverride() time.Duration {
	v, ok := m.Control[ControlTimeoutSeconds]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		if n > 0 {
			return time.Duration(n * float64(time.Second))
		}
	case int:
		if n > 0 {
			return time.Duration(n) * time.Second
		}
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil && f > 0 {
			return time.Duration(f * float64(time.Second))
		}
	}
	return 0
}

// Write persists the manifest as indented JSON at path.
func (m *Manifest) Write(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("manifest: write %s: %w", path, err)
	}
	return nil
}

// Read loads a persisted manifest from path.
func Read(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
	}
	return &m, nil
}
