// Package runner is the orchestration loop: it loads the work graph,
// schedules issues into lanes, dispatches them to workcells in parallel,
// verifies the returned proofs, commits winners, and retries or escalates
// failures. One Orchestrator owns the running set; everything else is an
// injected collaborator.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/papapumpkin/magnetar/internal/backpressure"
	"github.com/papapumpkin/magnetar/internal/scheduler"
	"github.com/papapumpkin/magnetar/internal/telemetry"
	"github.com/papapumpkin/magnetar/internal/toolchain"
	"github.com/papapumpkin/magnetar/internal/transition"
	"github.com/papapumpkin/magnetar/internal/verifier"
	"github.com/papapumpkin/magnetar/internal/workcell"
	"github.com/papapumpkin/magnetar/internal/workgraph"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultDispatchTimeout        = 30 * time.Minute
	DefaultPollInterval           = 15 * time.Second
	DefaultMaxConcurrentWorkcells = 3
	DefaultSpeculateParallelism   = 3

	// watchDebounce coalesces bursts of filesystem events into one wake-up.
	watchDebounce = 500 * time.Millisecond
)

// Config holds the runner knobs.
type Config struct {
	// MaxConcurrentWorkcells caps concurrent lanes; the budget is charged
	// per issue at schedule time, so a speculate lane counts once however
	// wide its fan-out.
	MaxConcurrentWorkcells int

	// SpeculateParallelism is the desired fan-out K for speculate issues.
	SpeculateParallelism int

	// DispatchTimeout is the wall-clock budget per dispatch. A manifest
	// control directive may override it per issue.
	DispatchTimeout time.Duration

	// PollInterval is the idle re-check cadence in watch mode.
	PollInterval time.Duration

	// DispatchesPerMinute rate-limits dispatch starts. Zero disables.
	DispatchesPerMinute int

	// ToolchainOverride forces every dispatch onto the named toolchain.
	ToolchainOverride string

	// TargetIssue restricts scheduling to one issue and its transitive
	// blockers. Empty means the whole graph.
	TargetIssue string

	// WatchPath is the file or directory watched for graph changes in watch
	// mode. Empty falls back to polling only.
	WatchPath string

	// Control is merged into every manifest's control directives.
	Control map[string]any
}

// PatchApplier commits a winning branch into the mainline. Defined here,
// where it is consumed; workcell.GitMerger satisfies it.
type PatchApplier interface {
	Apply(ctx context.Context, branch string) error
}

// Deps are the orchestrator's collaborators. Graph, Cells, and Toolchains
// are required; the rest degrade to no-ops when nil.
type Deps struct {
	Graph       workgraph.Client
	Cells       workcell.Manager
	Toolchains  *toolchain.Registry
	Verifier    *verifier.Verifier
	Transitions transition.Store
	Telemetry   *telemetry.Emitter
	Patcher     PatchApplier
	Probe       *backpressure.Probe
	Logger      *zap.SugaredLogger
}

// Orchestrator drives the schedule/dispatch/verify/commit cycle.
type Orchestrator struct {
	cfg     Config
	deps    Deps
	sched   *scheduler.Scheduler
	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	mu        sync.Mutex
	running   map[string]bool
	recovered bool
	cycleSeq  int

	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates an orchestrator, applying defaults to zero-value config
// fields.
func New(cfg Config, d Deps) *Orchestrator {
	if cfg.MaxConcurrentWorkcells <= 0 {
		cfg.MaxConcurrentWorkcells = DefaultMaxConcurrentWorkcells
	}
	if cfg.SpeculateParallelism <= 0 {
		cfg.SpeculateParallelism = DefaultSpeculateParallelism
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultDispatchTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}
	if d.Verifier == nil {
		d.Verifier = verifier.New(nil, d.Logger)
	}

	var limiter *rate.Limiter
	if cfg.DispatchesPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.DispatchesPerMinute)/60.0), 1)
	}

	return &Orchestrator{
		cfg:  cfg,
		deps: d,
		sched: scheduler.New(scheduler.Config{
			MaxConcurrentWorkcells: cfg.MaxConcurrentWorkcells,
			SpeculateParallelism:   cfg.SpeculateParallelism,
		}, d.Toolchains, d.Logger),
		limiter: limiter,
		logger:  d.Logger.Named("runner"),
		running: make(map[string]bool),
		stopped: make(chan struct{}),
	}
}

// Running returns a snapshot of the currently running issue IDs.
func (o *Orchestrator) Running() map[string]bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := make(map[string]bool, len(o.running))
	for id := range o.running {
		snap[id] = true
	}
	return snap
}

func (o *Orchestrator) setRunning(id string) {
	o.mu.Lock()
	o.running[id] = true
	o.mu.Unlock()
}

func (o *Orchestrator) clearRunning(id string) {
	o.mu.Lock()
	delete(o.running, id)
	o.mu.Unlock()
}

// RunCycle executes one schedule/dispatch/settle pass and blocks until every
// admitted lane has resolved. It returns idle=true when nothing was admitted
// and nothing is running, meaning the graph has no actionable work right now.
func (o *Orchestrator) RunCycle(ctx context.Context) (idle bool, err error) {
	o.mu.Lock()
	o.cycleSeq++
	cycleID := fmt.Sprintf("c%04d", o.cycleSeq)
	o.mu.Unlock()

	g, err := o.deps.Graph.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("runner: load graph: %w", err)
	}

	if !o.recovered {
		o.recoverOrphans(ctx, g)
		o.recovered = true
		// Re-load so recovered issues are schedulable this cycle.
		if g, err = o.deps.Graph.Load(ctx); err != nil {
			return false, fmt.Errorf("runner: reload graph after recovery: %w", err)
		}
	}

	if o.cfg.TargetIssue != "" {
		g = g.FilterTo(o.cfg.TargetIssue)
	}

	if o.deps.Probe != nil {
		ok, reason, perr := o.deps.Probe.Check()
		if perr != nil {
			o.logger.Warnw("backpressure probe failed", "error", perr)
		} else if !ok {
			o.logger.Warnw("cycle deferred under pressure", "cycle", cycleID, "reason", reason)
			o.deps.Telemetry.Emit(telemetry.Event{
				Timestamp: time.Now(),
				Kind:      telemetry.KindSkip,
				CycleID:   cycleID,
				Data:      map[string]string{"reason": "backpressure: " + reason},
			})
			return false, nil
		}
	}

	res := o.sched.Schedule(g, o.Running())

	o.deps.Telemetry.Emit(telemetry.Event{
		Timestamp: time.Now(),
		Kind:      telemetry.KindCycleStart,
		CycleID:   cycleID,
		Data: map[string]int{
			"lanes":     len(res.Lanes),
			"speculate": len(res.Speculate),
			"skipped":   len(res.Skipped),
		},
	})
	for _, sk := range res.Skipped {
		o.deps.Telemetry.Emit(telemetry.Event{
			Timestamp: time.Now(),
			Kind:      telemetry.KindSkip,
			CycleID:   cycleID,
			IssueID:   sk.Issue.ID,
			Data:      map[string]string{"reason": sk.Reason},
		})
	}

	if len(res.Lanes) == 0 {
		idle = len(o.Running()) == 0
		o.deps.Telemetry.Emit(telemetry.Event{
			Timestamp: time.Now(),
			Kind:      telemetry.KindCycleDone,
			CycleID:   cycleID,
			Data:      map[string]bool{"idle": idle},
		})
		return idle, nil
	}

	var wg sync.WaitGroup
	for _, is := range res.Lanes {
		is := is
		k := res.Speculate[is.ID] // zero means single dispatch

		o.setRunning(is.ID)
		if uerr := o.deps.Graph.UpdateStatus(ctx, is.ID, workgraph.StatusRunning); uerr != nil {
			o.logger.Errorw("mark running failed, lane dropped", "issue_id", is.ID, "error", uerr)
			o.clearRunning(is.ID)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer o.clearRunning(is.ID)
			o.runLane(ctx, cycleID, is, k)
		}()
	}
	wg.Wait()

	o.deps.Telemetry.Emit(telemetry.Event{
		Timestamp: time.Now(),
		Kind:      telemetry.KindCycleDone,
		CycleID:   cycleID,
		Data:      map[string]bool{"idle": false},
	})
	return false, nil
}

// runLane resolves one admitted issue: dispatch (single or fan-out), then
// settle the outcome back into the graph. Lane errors never abort the cycle.
func (o *Orchestrator) runLane(ctx context.Context, cycleID string, is *workgraph.Issue, fanout int) {
	var results []*DispatchResult
	if fanout > 1 {
		results = o.dispatchSet(ctx, cycleID, is, fanout)
	} else {
		results = []*DispatchResult{o.dispatchOne(ctx, cycleID, is, "", nil)}
	}
	o.settle(ctx, cycleID, is, results)
}

// recoverOrphans resets issues the store still marks running but that no
// lane owns. They are leftovers from a previous process that died mid-cycle.
func (o *Orchestrator) recoverOrphans(ctx context.Context, g *workgraph.Graph) {
	owned := o.Running()
	for _, is := range g.Issues() {
		if is.Status != workgraph.StatusRunning || owned[is.ID] {
			continue
		}
		o.logger.Warnw("recovering orphaned running issue", "issue_id", is.ID)
		if err := o.deps.Graph.UpdateStatus(ctx, is.ID, workgraph.StatusReady); err != nil {
			o.logger.Errorw("orphan recovery failed", "issue_id", is.ID, "error", err)
			continue
		}
		if err := o.deps.Graph.AddEvent(ctx, is.ID, "recovered", "reset from orphaned running state"); err != nil {
			o.logger.Warnw("orphan recovery event failed", "issue_id", is.ID, "error", err)
		}
	}
}

// RunUntilIdle runs cycles until the graph has no actionable work. In watch
// mode it then blocks on graph changes (or the poll interval) and resumes;
// otherwise it returns.
func (o *Orchestrator) RunUntilIdle(ctx context.Context, watch bool) error {
	var events <-chan fsnotify.Event
	if watch && o.cfg.WatchPath != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("runner: create watcher: %w", err)
		}
		defer watcher.Close()
		if err := watcher.Add(o.cfg.WatchPath); err != nil {
			return fmt.Errorf("runner: watch %s: %w", o.cfg.WatchPath, err)
		}
		events = watcher.Events
	}

	for {
		idle, err := o.RunCycle(ctx)
		if err != nil {
			return err
		}
		if idle {
			if !watch {
				o.logger.Infow("graph idle, stopping")
				return nil
			}
			if err := o.waitForChange(ctx, events); err != nil {
				return err
			}
		}

		// waitForChange also unblocks on Stop, so both branches must
		// re-check before the next cycle.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.stopped:
			return nil
		default:
		}
	}
}

// waitForChange blocks until the watched path changes (debounced), the poll
// interval elapses, the context ends, or Stop is called.
func (o *Orchestrator) waitForChange(ctx context.Context, events <-chan fsnotify.Event) error {
	poll := time.NewTimer(o.cfg.PollInterval)
	defer poll.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-o.stopped:
		return nil
	case <-poll.C:
		return nil
	case ev := <-events:
		o.logger.Debugw("graph change detected", "op", ev.Op.String(), "path", ev.Name)
		// Debounce: absorb the burst that editors and stores produce.
		debounce := time.NewTimer(watchDebounce)
		defer debounce.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-events:
			case <-debounce.C:
				return nil
			}
		}
	}
}

// Stop makes RunUntilIdle return after the current cycle. Safe to call more
// than once.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopped) })
}
