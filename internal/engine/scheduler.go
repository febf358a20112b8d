package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/gammazero/deque"
	"github.com/google/uuid"

	"github.com/ledgerrecon/recon/internal/errors"
)

// Options configures an Engine.
type Options struct {
	// Workers bounds both the nodes executing at once and the partition
	// tasks running at once. Defaults to the number of CPUs.
	Workers int

	// SpillThreshold is the buffered size at which a partition under
	// construction is moved to disk. Zero disables the per-partition limit.
	SpillThreshold int64

	// MemoryLimit is the budget for resident partition data across the run.
	// Past it, builders spill whatever they buffer. Zero means unlimited.
	MemoryLimit int64

	// TempDir is where spill files are created. Defaults to os.TempDir().
	TempDir string

	// VerifyColocation re-hashes merged aggregates to check that every row
	// sits in the partition its key is assigned to.
	VerifyColocation bool

	Logger *slog.Logger
}

// Engine executes operator graphs.
type Engine struct {
	opts   Options
	logger *slog.Logger
}

// New creates an engine.
func New(opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{opts: opts, logger: logger}
}

// Result is the outcome of one action.
type Result struct {
	Name     string
	Err      error
	Duration time.Duration
	// Nodes holds the statistics of every node the action depended on.
	// Nodes shared with other actions appear in each of their results.
	Nodes []NodeStats
}

// OK reports whether the action succeeded.
func (r Result) OK() bool { return r.Err == nil }

type nodeState struct {
	n         *node
	inputs    []*nodeState // one per input slot
	producers []*nodeState // distinct inputs
	consumers []*nodeState // distinct consumers
	deps      int
	refs      int
	actions   int
	parts     []*Partition
	err       error
	done      bool
	doneAt    time.Time
	stats     NodeStats
}

// Run executes the actions together and blocks until all of them have
// finished. A node reachable from several actions is executed once and its
// partitions are kept until its last consumer is done. A failing node fails
// only the actions that depend on it; every other action runs to completion.
// Actions whose graph failed validation fail without executing anything.
// Results are returned in the order of the actions.
func (e *Engine) Run(ctx context.Context, actions ...Action) []Result {
	start := time.Now()
	runID := uuid.NewString()
	ec := &execContext{
		runID:          runID,
		dir:            filepath.Join(e.opts.TempDir, "recon-"+runID),
		spillThreshold: e.opts.SpillThreshold,
		memoryLimit:    e.opts.MemoryLimit,
		verify:         e.opts.VerifyColocation,
		pool:           newPool(e.opts.Workers),
		logger:         e.logger.With("run", runID),
	}
	defer func() {
		if err := os.RemoveAll(ec.dir); err != nil {
			ec.logger.Warn("failed to remove spill directory", "dir", ec.dir, "error", err)
		}
	}()

	results := make([]Result, len(actions))
	states := make(map[*node]*nodeState)
	var order []*nodeState
	var visit func(n *node) *nodeState
	visit = func(n *node) *nodeState {
		if st, ok := states[n]; ok {
			return st
		}
		st := &nodeState{n: n}
		states[n] = st
		for _, in := range n.inputs {
			st.inputs = append(st.inputs, visit(in))
		}
		order = append(order, st)
		return st
	}

	roots := make([]*nodeState, len(actions))
	for i, a := range actions {
		results[i].Name = a.Name()
		root := a.root()
		if root.err != nil {
			results[i].Err = root.err
			ec.logger.Error("action failed validation", "action", a.Name(), "error", root.err)
			continue
		}
		roots[i] = visit(root)
	}
	for _, st := range order {
		seen := make(map[*nodeState]bool, len(st.inputs))
		for _, in := range st.inputs {
			if seen[in] {
				continue
			}
			seen[in] = true
			st.producers = append(st.producers, in)
			in.consumers = append(in.consumers, st)
			in.refs++
			st.deps++
		}
	}
	for _, root := range roots {
		if root != nil {
			markActions(root, make(map[*nodeState]bool))
		}
	}

	e.schedule(ctx, ec, order)

	for i, root := range roots {
		if root == nil {
			continue
		}
		results[i].Err = root.err
		results[i].Duration = root.doneAt.Sub(start)
		results[i].Nodes = collectStats(root)
	}
	return results
}

func markActions(st *nodeState, seen map[*nodeState]bool) {
	if seen[st] {
		return
	}
	seen[st] = true
	st.actions++
	for _, in := range st.producers {
		markActions(in, seen)
	}
}

func collectStats(root *nodeState) []NodeStats {
	var out []NodeStats
	seen := make(map[*nodeState]bool)
	var walk func(st *nodeState)
	walk = func(st *nodeState) {
		if seen[st] {
			return
		}
		seen[st] = true
		for _, in := range st.producers {
			walk(in)
		}
		out = append(out, st.stats)
	}
	walk(root)
	return out
}

// schedule is the dispatcher. It alone touches the ready queue and node
// states; workers only execute a node and report back on done.
func (e *Engine) schedule(ctx context.Context, ec *execContext, order []*nodeState) {
	var ready deque.Deque[*nodeState]
	for _, st := range order {
		if st.deps == 0 {
			ready.PushBack(st)
		}
	}

	done := make(chan *nodeState)
	remaining, running := len(order), 0
	workers := ec.pool.size()

	for remaining > 0 {
		for running < workers && ready.Len() > 0 {
			st := ready.PopFront()
			if len(st.consumers) > 0 && st.refs == 0 {
				// Every consumer has already failed.
				st.stats = NodeStats{ID: st.n.id, Kind: st.n.kind, Label: st.n.label(), Skipped: true}
				e.complete(st)
				remaining--
				continue
			}
			running++
			go func() {
				e.execute(ctx, ec, st)
				done <- st
			}()
		}
		if running == 0 {
			if remaining > 0 {
				ec.logger.Error("scheduler stalled", "remaining", remaining)
			}
			return
		}

		st := <-done
		running--
		remaining--
		e.complete(st)

		if st.err != nil {
			remaining -= e.failDependents(ec, st)
			continue
		}
		if st.refs == 0 {
			releaseAll(st.parts)
			st.parts = nil
		}
		for _, c := range st.consumers {
			if c.done {
				continue
			}
			c.deps--
			if c.deps == 0 {
				ready.PushBack(c)
			}
		}
	}
}

// complete marks st done and drops its references on its inputs, releasing
// any finished input whose consumers are now all done. An input still
// running is released by the dispatcher when it reports back.
func (e *Engine) complete(st *nodeState) {
	st.done = true
	st.doneAt = time.Now()
	for _, in := range st.producers {
		in.refs--
		if in.refs == 0 && in.done && in.parts != nil {
			releaseAll(in.parts)
			in.parts = nil
		}
	}
}

// failDependents fails every node downstream of origin that has not run and
// returns how many were failed.
func (e *Engine) failDependents(ec *execContext, origin *nodeState) int {
	failed := 0
	queue := append([]*nodeState(nil), origin.consumers...)
	for len(queue) > 0 {
		st := queue[0]
		queue = queue[1:]
		if st.done {
			continue
		}
		st.err = errors.NewUpstreamFailed(fmt.Sprintf("upstream %s failed", origin.n.label()), origin.err).
			WithDetails(map[string]interface{}{
				errors.DetailNode:     st.n.label(),
				errors.DetailNodeKind: st.n.kind,
			})
		st.stats = NodeStats{ID: st.n.id, Kind: st.n.kind, Label: st.n.label(), Shared: st.actions > 1, Err: st.err}
		e.complete(st)
		failed++
		queue = append(queue, st.consumers...)
	}
	if failed > 0 {
		ec.logger.Warn("skipping dependents of failed node", "node", origin.n.label(), "skipped", failed)
	}
	return failed
}

// execute runs one node. It never panics: a panic inside an operator
// becomes the node's error.
func (e *Engine) execute(ctx context.Context, ec *execContext, st *nodeState) {
	r := &nodeRun{ec: ec, n: st.n, stats: &statsRecorder{}}
	inputs := make([][]*Partition, len(st.inputs))
	for i, in := range st.inputs {
		inputs[i] = in.parts
	}
	start := time.Now()
	ec.logger.Debug("node started", "node", st.n.label())

	parts, err := func() (parts []*Partition, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = errors.NewInternalError(fmt.Sprintf("%s panicked", st.n.label()), fmt.Errorf("%v", p))
			}
		}()
		return st.n.run(ctx, r, inputs)
	}()

	st.stats = r.stats.snapshot(st.n, len(parts), time.Since(start))
	st.stats.Shared = st.actions > 1
	if err != nil {
		releaseAll(parts)
		st.err = r.annotate(err, -1)
		st.stats.Err = st.err
		ec.logger.Error("node failed", "node", st.n.label(), "error", st.err)
		return
	}
	st.parts = parts
	ec.logger.Debug("node finished", "node", st.n.label(), "partitions", len(parts),
		"rows", st.stats.Rows, "spilled_bytes", st.stats.SpilledBytes, "duration", st.stats.Duration)
}
