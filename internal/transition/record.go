// Package transition is the append-only log of orchestration state
// transitions. One record is written per resolved dispatch (winner only for
// speculate fan-outs) and consumed by an external routing-improvement
// process; this core never reads them back except for diagnostics.
package transition

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Terminal to-states for a resolved dispatch.
const (
	StateVerified   = "verified"
	StateUnverified = "edited-but-unverified"
	StateFailed     = "failed"
)

// Record is one logged transition. Records are immutable; the ID is a
// content hash so re-insertion after a retry is idempotent.
type Record struct {
	ID           string    `json:"transition_id"`
	FromState    string    `json:"from_state"`
	ToState      string    `json:"to_state"`
	ActionLabel  string    `json:"action_label"`
	Context      string    `json:"context"`
	Observations string    `json:"observations"`
	Timestamp    time.Time `json:"timestamp"`
}

// New builds a record and derives its content-hash ID. The timestamp
// participates in the hash so identical transitions from different cycles
// remain distinct, while re-inserting the same record is a no-op.
func New(fromState, toState, action, context, observations string, ts time.Time) *Record {
	r := &Record{
		FromState:    fromState,
		ToState:      toState,
		ActionLabel:  action,
		Context:      context,
		Observations: observations,
		Timestamp:    ts.UTC(),
	}
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%s|%d",
		r.FromState, r.ToState, r.ActionLabel, r.Context, r.Observations, r.Timestamp.UnixNano())))
	r.ID = hex.EncodeToString(h[:])
	return r
}

// Store is the fire-and-forget append contract. Implementations provide
// their own concurrency safety; Insert must be idempotent on Record.ID.
type Store interface {
	Insert(ctx context.Context, r *Record) error
}
