// Package scheduler implements the cooking Scheduler: a worker pool that
// pulls ready CookingCommands from a priority queue, enforces the per-file
// exclusion rule, runs them through the process launcher, and resubmits
// downstream consumers once a producer succeeds. The WaitGroup-fan-in
// lifecycle (Start/Stop, one goroutine per worker, a cancellable context)
// follows the same shape as a long-running supervised worker pool; retry
// backoff uses github.com/cenkalti/backoff/v4.
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cookforge/cooker/internal/cookgraph"
	"github.com/cookforge/cooker/internal/depfile"
	"github.com/cookforge/cooker/internal/dirty"
	"github.com/cookforge/cooker/internal/fileindex"
	"github.com/cookforge/cooker/internal/launcher"
	"github.com/cookforge/cooker/internal/model"
	"github.com/cookforge/cooker/internal/repos"
	"github.com/cookforge/cooker/internal/rules"
)

// Config tunes scheduler behavior.
type Config struct {
	// Parallelism is the number of worker goroutines. Defaults to 1 if <= 0.
	Parallelism int
	// MaxRetries is how many times a failed command is retried before it is
	// considered permanently Failed/Error. Defaults to 3 if < 0.
	MaxRetries int
}

// Scheduler runs CookingCommands against the process launcher, respecting
// priority order and file exclusion.
type Scheduler struct {
	cfg     Config
	graph   *cookgraph.Graph
	tracker *dirty.Tracker
	inst    *cookgraph.Instantiator
	launch  *launcher.Launcher
	reg     *repos.Registry
	indices map[model.RepoIndex]*fileindex.Index
	logger  *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  cmdQueue
	queued map[model.CommandID]bool
	excl   *exclusionSet
	closed bool

	onTransition func(*cookgraph.CookingCommand)

	wg sync.WaitGroup
}

// SetOnTransition registers fn to be called, from the worker goroutine,
// whenever a command's ExecState or DirtyState changes. Used to drive the
// dashboard WebSocket feed. fn must not block or call back into the
// Scheduler.
func (s *Scheduler) SetOnTransition(fn func(*cookgraph.CookingCommand)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTransition = fn
}

func (s *Scheduler) notify(cmd *cookgraph.CookingCommand) {
	s.mu.Lock()
	fn := s.onTransition
	s.mu.Unlock()
	if fn != nil {
		fn(cmd)
	}
}

// New constructs a Scheduler. indices must contain a fileindex.Index for
// every repo the graph's commands reference.
func New(cfg Config, graph *cookgraph.Graph, tracker *dirty.Tracker, inst *cookgraph.Instantiator, launch *launcher.Launcher, reg *repos.Registry, indices map[model.RepoIndex]*fileindex.Index, logger *slog.Logger) *Scheduler {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 3
	}
	s := &Scheduler{
		cfg:     cfg,
		graph:   graph,
		tracker: tracker,
		inst:    inst,
		launch:  launch,
		reg:     reg,
		indices: indices,
		logger:  logger,
		queued:  make(map[model.CommandID]bool),
		excl:    newExclusionSet(),
	}
	s.cond = sync.NewCond(&s.mu)
	heap.Init(&s.queue)
	return s
}

// Start launches the worker pool. It returns immediately; workers run until
// ctx is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Parallelism; i++ {
		s.wg.Add(1)
		go s.workerLoop(ctx)
	}
}

// Stop signals every worker to exit once its current command (if any)
// finishes, and blocks until all workers have returned.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	s.wg.Wait()
}

// IsIdle reports whether the queue is empty and no worker currently holds an
// exclusion lock — i.e. nothing is running or waiting to run.
func (s *Scheduler) IsIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len() == 0 && len(s.excl.locks) == 0
}

// Submit evaluates cmd's dirtiness and, if Dirty, enqueues it for cooking.
// Clean, Waiting, and Error commands are not enqueued; Waiting commands are
// resubmitted automatically when their producer completes, and Error
// commands require an input change (tracked by the Dirtiness Tracker) to
// become eligible again.
func (s *Scheduler) Submit(cmd *cookgraph.CookingCommand) {
	state := s.tracker.Evaluate(cmd)
	prev := cmd.Dirty()
	cmd.SetDirty(state)
	if state != prev {
		s.notify(cmd)
	}
	if state != model.StateDirty {
		return
	}

	s.mu.Lock()
	if s.queued[cmd.ID] {
		s.mu.Unlock()
		return
	}
	s.queued[cmd.ID] = true
	cmd.SetExec(model.ExecQueued)
	heap.Push(&s.queue, &queueItem{cmd: cmd, priority: priorityOf(cmd), ordinal: int64(cmd.ID)})
	s.cond.Broadcast()
	s.mu.Unlock()
	s.notify(cmd)
}

func priorityOf(cmd *cookgraph.CookingCommand) int {
	if cmd.Rule == nil {
		return 0
	}
	return cmd.Rule.Priority
}

func (s *Scheduler) workerLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		var item *queueItem
		for {
			if s.closed {
				s.mu.Unlock()
				return
			}
			if ctx.Err() != nil {
				s.mu.Unlock()
				return
			}
			item = s.popReadyLocked()
			if item != nil {
				break
			}
			s.cond.Wait()
		}
		cmd := item.cmd
		delete(s.queued, cmd.ID)
		s.mu.Unlock()

		s.run(ctx, cmd)

		s.mu.Lock()
		s.excl.release(cmd.Inputs, cmd.Outputs)
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// popReadyLocked scans the queue in priority order for the first command
// whose exclusion locks are currently free, acquires them, and removes it
// from the queue. Commands it skips over (exclusion conflicts) stay queued
// with no priority change. Caller holds s.mu.
func (s *Scheduler) popReadyLocked() *queueItem {
	var skipped []*queueItem
	var ready *queueItem

	for s.queue.Len() > 0 {
		next := heap.Pop(&s.queue).(*queueItem)
		if ready == nil && s.excl.tryAcquire(next.cmd.Inputs, next.cmd.Outputs) {
			ready = next
			continue
		}
		skipped = append(skipped, next)
	}
	for _, it := range skipped {
		heap.Push(&s.queue, it)
	}
	return ready
}

// run executes cmd's command line (or built-in), updates the file index and
// cook signature on success, schedules a retry on transient failure, and
// resubmits any downstream consumers that became ready.
func (s *Scheduler) run(ctx context.Context, cmd *cookgraph.CookingCommand) {
	cmd.SetExec(model.ExecCooking)
	s.notify(cmd)

	repo := s.reg.Get(cmd.Trigger.Repo)
	idx := s.indices[cmd.Trigger.Repo]

	var (
		result launcher.Result
		runErr error
	)
	if cmd.Rule != nil && cmd.Rule.IsExternalCommand() {
		result, runErr = s.launch.Run(ctx, cmd.CommandLine, repo.Root, nil)
	} else {
		runErr = s.runBuiltin(cmd, repo.Root)
	}

	if ctx.Err() != nil {
		cmd.SetExec(model.ExecCanceled)
		s.notify(cmd)
		return
	}

	if runErr != nil || result.ExitCode != 0 {
		s.handleFailure(ctx, cmd, result, runErr)
		return
	}

	if !s.outputsExist(idx, cmd) {
		s.handleFailure(ctx, cmd, result, errMissingOutput)
		return
	}

	s.refreshFileIndex(idx, cmd)
	s.processDepFile(idx, cmd)

	cmd.SetSignature(s.tracker.Signature(cmd))
	cmd.ResetRetries()
	cmd.SetDirty(model.StateClean)
	cmd.SetExec(model.ExecSucceeded)
	s.logger.Info("cook succeeded",
		slog.Int("command_id", int(cmd.ID)),
		slog.String("rule", ruleName(cmd)))
	s.notify(cmd)

	s.resubmitConsumers(cmd)
}

var errMissingOutput = errMissingOutputError{}

type errMissingOutputError struct{}

func (errMissingOutputError) Error() string { return "cook did not produce every declared output" }

func (s *Scheduler) outputsExist(idx *fileindex.Index, cmd *cookgraph.CookingCommand) bool {
	for _, out := range cmd.Outputs {
		rel, ok := idx.Path(out)
		if !ok {
			return false
		}
		if !statExists(filepath.Join(s.reg.Get(out.Repo).Root, rel)) {
			return false
		}
	}
	return true
}

func (s *Scheduler) refreshFileIndex(idx *fileindex.Index, cmd *cookgraph.CookingCommand) {
	for _, out := range cmd.Outputs {
		rel, ok := idx.Path(out)
		if !ok {
			continue
		}
		statAndApply(idx, s.reg.Get(out.Repo).Root, rel)
	}
}

func (s *Scheduler) processDepFile(idx *fileindex.Index, cmd *cookgraph.CookingCommand) {
	if cmd.DepFile == nil || cmd.Rule == nil || cmd.Rule.DepFile == nil {
		return
	}
	rel, ok := idx.Path(*cmd.DepFile)
	if !ok {
		return
	}
	abs := filepath.Join(s.reg.Get(cmd.DepFile.Repo).Root, rel)
	content, err := readFile(abs)
	if err != nil {
		s.logger.Warn("dep-file read failed", slog.String("path", abs), slog.Any("error", err))
		return
	}

	format := depfile.Makefile
	if cmd.Rule.DepFile.Format == rules.DepFileList {
		format = depfile.List
	}
	prereqs := depfile.ParsePrereqs(format, content)
	s.inst.AddDepFileInputs(cmd, prereqs)
}

func (s *Scheduler) handleFailure(ctx context.Context, cmd *cookgraph.CookingCommand, result launcher.Result, runErr error) {
	if runErr == nil {
		runErr = &model.ExitError{Code: result.ExitCode, StderrTail: result.StderrTail}
	}
	n := cmd.RecordFailure(runErr)
	s.logger.Warn("cook failed",
		slog.Int("command_id", int(cmd.ID)),
		slog.String("rule", ruleName(cmd)),
		slog.Int("attempt", n),
		slog.Any("error", runErr))

	if n > s.cfg.MaxRetries {
		cmd.MarkRetriesExhausted()
		cmd.SetDirty(model.StateError)
		cmd.SetExec(model.ExecFailed)
		s.notify(cmd)
		return
	}

	cmd.SetExec(model.ExecFailed)
	s.notify(cmd)
	delay := retryDelay(n)
	time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		s.Submit(cmd)
	})
}

func (s *Scheduler) resubmitConsumers(cmd *cookgraph.CookingCommand) {
	for _, out := range cmd.Outputs {
		for _, consumer := range s.graph.Consumers(out) {
			s.Submit(consumer)
		}
	}
}

// retryDelay computes the backoff before retry attempt n using an
// exponential backoff policy.
func retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.Multiplier = 2

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func ruleName(cmd *cookgraph.CookingCommand) string {
	if cmd.Rule == nil {
		return ""
	}
	return cmd.Rule.Name
}
