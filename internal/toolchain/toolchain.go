// Package toolchain defines the pluggable code-generation backends the
// dispatcher invokes, a name-keyed registry resolved once at startup, and a
// subprocess adapter that speaks the manifest/proof wire contract.
package toolchain

import (
	"context"
	"errors"
	"time"

	"github.com/papapumpkin/magnetar/internal/manifest"
	"github.com/papapumpkin/magnetar/internal/proof"
	"github.com/papapumpkin/magnetar/internal/workcell"
)

// ErrNotRegistered is returned when a toolchain name resolves to nothing.
var ErrNotRegistered = errors.New("toolchain: not registered")

// Adapter is one code-generation backend. Execute runs a single dispatch
// inside the given workcell and must respect the context deadline; the
// dispatcher enforces the wall-clock timeout through ctx.
type Adapter interface {
	Name() string

	// Available reports whether the backend can currently accept work.
	Available() bool

	// Execute runs the manifest inside the workcell and returns the proof.
	Execute(ctx context.Context, m *manifest.Manifest, cell *workcell.Handle, timeout time.Duration) (*proof.Proof, error)

	// Sampling returns the backend's default sampling configuration, frozen
	// into each manifest it executes.
	Sampling() manifest.Sampling
}
