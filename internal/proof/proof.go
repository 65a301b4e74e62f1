// Package proof defines the structured output of a dispatch: the patch
// reference, adapter-reported gate verification, and the confidence signal
// used by speculate voting. Proofs are produced once per dispatch and are
// read-only afterwards.
package proof

// Status is the adapter's self-reported outcome for one dispatch.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// GateResult is the recorded outcome of one named quality gate.
type GateResult struct {
	Passed    bool     `json:"passed"`
	Score     float64  `json:"score,omitempty"`
	FailCodes []string `json:"fail_codes,omitempty"`
}

// Verification aggregates the adapter-reported gate outcomes.
type Verification struct {
	Gates     map[string]GateResult `json:"gates"`
	AllPassed bool                  `json:"all_passed"`
}

// Patch identifies the change a proof proposes.
type Patch struct {
	Branch  string `json:"branch"`
	DiffRef string `json:"diff_ref,omitempty"`
}

// Proof is the result of one toolchain execution inside a workcell.
type Proof struct {
	Status       Status       `json:"status"`
	Patch        Patch        `json:"patch"`
	Verification Verification `json:"verification"`
	Confidence   float64      `json:"confidence"`
	WorkcellID   string       `json:"workcell_id"`
}

// Usable reports whether the proof represents a dispatch worth considering
// (the adapter produced a change, even a partial one).
func (p *Proof) Usable() bool {
	return p != nil && (p.Status == StatusSuccess || p.Status == StatusPartial)
}

// Gate returns the result for a named gate and whether it was reported.
func (p *Proof) Gate(name string) (GateResult, bool) {
	g, ok := p.Verification.Gates[name]
	return g, ok
}
