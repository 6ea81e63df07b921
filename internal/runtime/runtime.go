// Package runtime wires together every core component (String/Path Pool,
// Repo Registry, File Index, Rule Set, Matcher, Command Instantiator,
// Command Graph, Dirtiness Tracker, Scheduler, Persisted State) plus the
// external collaborators (the filesystem watcher, the process launcher,
// the optional history mirror) into one process-wide aggregate. Grounded
// field-for-field on internal/agent.Agent: functional Options supply each
// collaborator, Start/Stop manage a cancellable context and a
// sync.WaitGroup fan-in of per-repo watcher goroutines, and Status mirrors
// Agent.Health's point-in-time snapshot.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cookforge/cooker/internal/api/ws"
	"github.com/cookforge/cooker/internal/audit"
	"github.com/cookforge/cooker/internal/cookgraph"
	"github.com/cookforge/cooker/internal/dirty"
	"github.com/cookforge/cooker/internal/fileindex"
	"github.com/cookforge/cooker/internal/fswatch"
	"github.com/cookforge/cooker/internal/historymirror"
	"github.com/cookforge/cooker/internal/launcher"
	"github.com/cookforge/cooker/internal/match"
	"github.com/cookforge/cooker/internal/model"
	"github.com/cookforge/cooker/internal/repos"
	"github.com/cookforge/cooker/internal/rules"
	"github.com/cookforge/cooker/internal/scheduler"
	"github.com/cookforge/cooker/internal/state"
	"github.com/cookforge/cooker/internal/strpool"
)

// snapshotInterval is how often the file index and signatures are mirrored
// to the Persisted State store while running, independent of the clean
// shutdown snapshot.
const snapshotInterval = 30 * time.Second

// Status is a point-in-time snapshot of the cooking system's activity,
// analogous to Agent.Health but reporting command counts instead of queue
// depth.
type Status struct {
	UptimeS  float64 `json:"uptime_s"`
	Idle     int     `json:"idle"`
	Queued   int     `json:"queued"`
	Cooking  int     `json:"cooking"`
	Waiting  int     `json:"waiting"`
	Error    int     `json:"error"`
	NumRepos int     `json:"num_repos"`
}

// CoreRuntime is the central orchestrator of the cooking system. It starts
// and supervises the per-repo watchers, the scheduler's worker pool, and
// the persisted-state snapshot loop.
type CoreRuntime struct {
	logger  *slog.Logger
	pool    *strpool.Pool
	reg     *repos.Registry
	indices map[model.RepoIndex]*fileindex.Index
	set     *rules.Set
	matcher *match.Matcher
	graph   *cookgraph.Graph
	inst    *cookgraph.Instantiator
	tracker *dirty.Tracker
	sched   *scheduler.Scheduler
	launch  *launcher.Launcher
	store   *state.Store
	mirror  *historymirror.Mirror
	bc      *ws.Broadcaster
	audit   *audit.Logger

	watchers     []fswatch.Watcher
	pollInterval time.Duration

	startTime time.Time
	cancel    context.CancelFunc

	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup
}

// Option is a functional option for CoreRuntime construction.
type Option func(*CoreRuntime)

// WithStateStore registers the Persisted State store. Required for restart
// rehydration; a CoreRuntime built without one runs with an empty
// cook-signature history, as if this were the system's first run.
func WithStateStore(s *state.Store) Option {
	return func(rt *CoreRuntime) { rt.store = s }
}

// WithHistoryMirror registers the optional secondary PostgreSQL cook-history
// mirror.
func WithHistoryMirror(m *historymirror.Mirror) Option {
	return func(rt *CoreRuntime) { rt.mirror = m }
}

// WithPollInterval overrides the portable-poller fallback's scan interval
// used for any repo whose platform watcher could not be constructed.
// Defaults to fswatch.DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(rt *CoreRuntime) { rt.pollInterval = d }
}

// WithBroadcaster registers a dashboard WebSocket broadcaster; every
// ExecState/DirtyState transition is pushed to it as it happens.
func WithBroadcaster(bc *ws.Broadcaster) Option {
	return func(rt *CoreRuntime) { rt.bc = bc }
}

// WithAuditLog registers a tamper-evident, hash-chained audit log: every
// cook that reaches a terminal state (succeeded, failed, or canceled) is
// appended as one entry.
func WithAuditLog(l *audit.Logger) Option {
	return func(rt *CoreRuntime) { rt.audit = l }
}

// New wires the String/Path Pool, Repo Registry, per-repo File Indexes,
// Rule Set, Matcher, Command Graph, Instantiator, Dirtiness Tracker, and
// Scheduler; the per-repo filesystem Watchers are created by Start. repoConfigs and
// ruleFiles mirror config.Config's Repos and RuleFiles; ruleFiles must have
// one or two entries (base rule file, optional environment overlay), the
// same two-file shape internal/rules.Load accepts.
func New(repoConfigs []RepoSpec, ruleFiles []string, parallelism, maxRetries int, logger *slog.Logger, opts ...Option) (*CoreRuntime, error) {
	if len(ruleFiles) == 0 || len(ruleFiles) > 2 {
		return nil, fmt.Errorf("runtime: ruleFiles must name one base file and at most one overlay")
	}

	pool := strpool.New()
	reg := repos.New()
	indices := make(map[model.RepoIndex]*fileindex.Index)

	for _, rc := range repoConfigs {
		idx, err := reg.AddRepo(rc.Name, rc.Root)
		if err != nil {
			return nil, fmt.Errorf("runtime: registering repo %q: %w", rc.Name, err)
		}
		indices[idx] = fileindex.New(idx, pool)
	}

	overlay := ""
	if len(ruleFiles) == 2 {
		overlay = ruleFiles[1]
	}
	set, err := rules.Load(ruleFiles[0], overlay)
	if err != nil {
		return nil, fmt.Errorf("runtime: loading rule set: %w", err)
	}

	graph := cookgraph.New()
	inst := cookgraph.NewInstantiator(graph, reg, pool, set, indices)
	tracker := dirty.New(graph, indices)
	launch := launcher.New()
	sched := scheduler.New(
		scheduler.Config{Parallelism: parallelism, MaxRetries: maxRetries},
		graph, tracker, inst, launch, reg, indices, logger,
	)

	rt := &CoreRuntime{
		logger:       logger,
		pool:         pool,
		reg:          reg,
		indices:      indices,
		set:          set,
		matcher:      match.New(set),
		graph:        graph,
		inst:         inst,
		tracker:      tracker,
		sched:        sched,
		launch:       launch,
		pollInterval: fswatch.DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.bc != nil || rt.audit != nil || rt.mirror != nil {
		sched.SetOnTransition(func(cmd *cookgraph.CookingCommand) {
			snap := cmd.ToSnapshot()
			if rt.bc != nil {
				rt.bc.PublishTransition(snap.ID, snap.RuleName, snap.CommandLine, snap.Dirty, snap.Exec, snap.RetryCount)
			}
			if rt.audit != nil {
				rt.appendAuditEntry(snap)
			}
			if rt.mirror != nil {
				rt.recordMirrorEntry(snap)
			}
		})
	}
	return rt, nil
}

// appendAuditEntry records snap as an audit log entry if its ExecState is
// terminal (succeeded, failed, or canceled). Non-terminal transitions
// (queued, cooking) are not recorded — the audit trail is a history of
// outcomes, not a live activity feed (that's what the WebSocket broadcaster
// is for).
func (rt *CoreRuntime) appendAuditEntry(snap cookgraph.Snapshot) {
	switch snap.Exec {
	case model.ExecSucceeded, model.ExecFailed, model.ExecCanceled:
	default:
		return
	}
	_, err := rt.audit.AppendCookOutcome(audit.CookOutcome{
		CommandID:   int(snap.ID),
		RuleName:    snap.RuleName,
		CommandLine: snap.CommandLine,
		Exec:        snap.Exec.String(),
		RetryCount:  snap.RetryCount,
	})
	if err != nil {
		rt.logger.Warn("audit: append failed", slog.Any("error", err))
	}
}

// recordMirrorEntry mirrors snap to the optional PostgreSQL history store if
// its ExecState is terminal (succeeded, failed, or canceled). The exit code
// and stderr tail are recovered from snap.LastErr when the failure came from
// a non-zero exit (model.ExitError); any other failure shape (a missing
// declared output, a launcher error) is mirrored with exit code 0 and no
// stderr tail, since none was captured for it.
func (rt *CoreRuntime) recordMirrorEntry(snap cookgraph.Snapshot) {
	switch snap.Exec {
	case model.ExecSucceeded, model.ExecFailed, model.ExecCanceled:
	default:
		return
	}

	repo := rt.reg.Get(snap.Trigger.Repo)
	idx := rt.indices[snap.Trigger.Repo]
	triggerPath, ok := idx.Path(snap.Trigger)
	if !ok {
		return
	}

	var exitCode int
	var stderrTail string
	var exitErr *model.ExitError
	if errors.As(snap.LastErr, &exitErr) {
		exitCode = exitErr.Code
		stderrTail = exitErr.StderrTail
	}

	rec := historymirror.Record{
		RepoName:    repo.Name,
		RuleName:    snap.RuleName,
		TriggerPath: triggerPath,
		ExecState:   snap.Exec.String(),
		ExitCode:    exitCode,
		StderrTail:  stderrTail,
		CookedAt:    time.Now(),
	}
	if err := rt.mirror.Record(context.Background(), rec); err != nil {
		rt.logger.Warn("history mirror: record failed", slog.Any("error", err))
	}
}

// RepoSpec names one repo to register: a human-readable Name and its root
// directory. Mirrors config.RepoConfig without importing internal/config,
// keeping this package free of a dependency on the ambient configuration
// schema.
type RepoSpec struct {
	Name string
	Root string
}

// Start performs the initial recursive scan of every repo, loads persisted
// signatures if a Store was provided, starts one Watcher per repo, starts
// the Scheduler's worker pool, and begins the background persisted-state
// snapshot loop. A repo whose scan fails is repopulated from the Store's
// persisted file-index snapshot when one exists; a repo with no snapshot to
// fall back on, or whose watcher fails, is logged and skipped. Start only
// fails outright if every repo fails.
func (rt *CoreRuntime) Start(ctx context.Context) error {
	rt.mu.Lock()
	if rt.running {
		rt.mu.Unlock()
		return fmt.Errorf("runtime: already running")
	}
	rt.running = true
	rt.startTime = time.Now()
	rt.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel

	rt.logger.Info("starting cooking runtime",
		slog.Int("num_repos", len(rt.reg.List())),
		slog.Int("num_rules", len(rt.set.Rules)),
	)

	var signatures map[state.SignatureKey]string
	if rt.store != nil {
		var err error
		signatures, err = rt.store.LoadSignatures(ctx)
		if err != nil {
			rt.logger.Warn("failed to load persisted signatures", slog.Any("error", err))
		}
	}

	failures := 0
	for _, repo := range rt.reg.List() {
		idx := rt.indices[repo.Index]

		if err := fileindex.Scan(ctx, idx, repo.Root, rt.logger); err != nil {
			rt.logger.Error("initial scan failed; falling back to persisted snapshot",
				slog.String("repo", repo.Name), slog.Any("error", err))
			if !rt.rehydrateFromSnapshot(ctx, repo.Name, idx) {
				rt.logger.Error("no persisted snapshot available; repo will not be watched",
					slog.String("repo", repo.Name))
				failures++
				continue
			}
		}

		w, err := fswatch.New(fswatch.Config{Repo: repo.Index, Root: repo.Root, PollInterval: rt.pollInterval}, rt.logger)
		if err != nil {
			rt.logger.Error("failed to construct watcher; repo will not be watched",
				slog.String("repo", repo.Name), slog.Any("error", err))
			failures++
			continue
		}
		if err := w.Start(ctx); err != nil {
			rt.logger.Error("watcher failed to start; repo will not be watched",
				slog.String("repo", repo.Name), slog.Any("error", err))
			failures++
			continue
		}

		rt.watchers = append(rt.watchers, w)
		rt.wg.Add(1)
		go rt.processEvents(ctx, repo, w)

		rt.seedTriggers(repo, idx, signatures)
	}

	if failures > 0 && failures == len(rt.reg.List()) {
		cancel()
		rt.mu.Lock()
		rt.running = false
		rt.mu.Unlock()
		return fmt.Errorf("runtime: every repo failed to start")
	}

	rt.sched.Start(ctx)

	rt.wg.Add(1)
	go rt.snapshotLoop(ctx)

	rt.logger.Info("cooking runtime started")
	return nil
}

// seedTriggers matches every currently-known file in idx against the rule
// set and instantiates+submits any CookingCommand not already present, so a
// file present at startup (not merely one created after the watcher
// starts) is cooked if its outputs are missing or stale. Persisted
// signatures are attached to newly instantiated commands before the first
// dirtiness evaluation, so a clean, up-to-date output from a prior run is
// not re-cooked.
func (rt *CoreRuntime) seedTriggers(repo model.Repo, idx *fileindex.Index, signatures map[state.SignatureKey]string) {
	for _, path := range idx.Paths() {
		id, ok := idx.Lookup(path)
		if !ok {
			continue
		}
		rt.matchAndSubmit(repo, path, id, signatures)
	}
}

// processEvents reads FileEvents from w, applies them to repo's File Index,
// and matches+instantiates+submits any CookingCommand the change makes
// eligible. It exits when the watcher's event channel closes or ctx is
// cancelled.
func (rt *CoreRuntime) processEvents(ctx context.Context, repo model.Repo, w fswatch.Watcher) {
	defer rt.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-w.Events():
			if !ok {
				return
			}
			rt.handleEvent(ctx, repo, evt)
		}
	}
}

func (rt *CoreRuntime) handleEvent(ctx context.Context, repo model.Repo, evt model.FileEvent) {
	idx := rt.indices[repo.Index]

	exists := evt.Kind != model.EventDeleted
	var size int64
	var modTime time.Time
	var isDir bool
	if exists {
		if info, err := statPath(repo.Root, evt.Path); err == nil {
			size = info.size
			modTime = info.modTime
			isDir = info.isDir
		}
	}
	id := idx.Apply(evt.Path, exists, isDir, size, modTime)

	rt.logger.Info("file event",
		slog.String("repo", repo.Name),
		slog.String("path", evt.Path),
		slog.String("kind", evt.Kind.String()),
	)

	rt.matchAndSubmit(repo, evt.Path, id, nil)

	// The changed file may also be a pre-existing input of a command that
	// never matched it as a trigger (a dep-file-discovered header, for
	// instance). Resubmitting is safe: Scheduler.Submit re-evaluates
	// dirtiness and enqueues only a Dirty command. The input change re-arms
	// a command whose retries were exhausted; the command's own dep-file is
	// excluded, since the cook itself writes it.
	if entry, ok := idx.Get(id); ok {
		for _, cmdID := range entry.InputOf {
			if cmd, ok := rt.graph.Get(cmdID); ok {
				if cmd.RetriesExhausted() && (cmd.DepFile == nil || *cmd.DepFile != id) {
					cmd.ResetRetries()
				}
				rt.sched.Submit(cmd)
			}
		}
	}
}

func (rt *CoreRuntime) matchAndSubmit(repo model.Repo, path string, id model.FileID, signatures map[state.SignatureKey]string) {
	for _, ruleID := range rt.matcher.Match(repo.Name, path) {
		cmd, err := rt.inst.Instantiate(int(ruleID), id)
		if err != nil {
			rt.logger.Warn("instantiation failed",
				slog.String("repo", repo.Name), slog.String("path", path), slog.Any("error", err))
			continue
		}
		if signatures != nil && cmd.Signature() == "" {
			if sig, ok := signatures[state.SignatureKey{RuleName: ruleNameOf(cmd), TriggerPath: path}]; ok {
				cmd.SetSignature(sig)
			}
		}
		rt.sched.Submit(cmd)
	}
}

func ruleNameOf(cmd *cookgraph.CookingCommand) string {
	if cmd.Rule == nil {
		return ""
	}
	return cmd.Rule.Name
}

// snapshotLoop periodically persists the file-index snapshot and cook
// signatures to the Store, mirroring internal/server/storage.Store's
// ticker-driven background flush goroutine. A no-op if no Store was
// provided.
func (rt *CoreRuntime) snapshotLoop(ctx context.Context) {
	defer rt.wg.Done()
	if rt.store == nil {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.persist(context.Background())
		}
	}
}

// rehydrateFromSnapshot repopulates idx from the Store's last-persisted
// snapshot for repoName, used when the startup directory walk itself fails
// (e.g. the root is transiently unreadable) so the repo is not abandoned
// outright. Reports whether a persisted snapshot existed. A no-op, reporting
// false, if no Store is configured.
func (rt *CoreRuntime) rehydrateFromSnapshot(ctx context.Context, repoName string, idx *fileindex.Index) bool {
	if rt.store == nil {
		return false
	}
	entries, err := rt.store.LoadFileEntries(ctx, repoName)
	if err != nil {
		rt.logger.Warn("failed to load persisted file index", slog.String("repo", repoName), slog.Any("error", err))
		return false
	}
	if len(entries) == 0 {
		return false
	}
	for _, e := range entries {
		idx.Apply(e.Path, e.Exists, e.IsDir, e.Size, e.ModTime)
	}
	return true
}

// persist writes every repo's current file-index snapshot and every
// command's cook signature to the Store. Errors are logged, not fatal.
func (rt *CoreRuntime) persist(ctx context.Context) {
	for _, repo := range rt.reg.List() {
		idx := rt.indices[repo.Index]
		var snaps []state.FileSnapshot
		for _, path := range idx.Paths() {
			id, ok := idx.Lookup(path)
			if !ok {
				continue
			}
			entry, ok := idx.Get(id)
			if !ok {
				continue
			}
			snaps = append(snaps, state.FileSnapshot{
				RepoName: repo.Name,
				Path:     path,
				Exists:   entry.Exists,
				IsDir:    entry.IsDir,
				Size:     entry.Size,
				ModTime:  entry.ModTime,
			})
		}
		if err := rt.store.SaveFileEntries(ctx, repo.Name, snaps); err != nil {
			rt.logger.Warn("failed to persist file index", slog.String("repo", repo.Name), slog.Any("error", err))
		}
	}

	for _, cmd := range rt.graph.All() {
		sig := cmd.Signature()
		if sig == "" {
			continue
		}
		repo := rt.reg.Get(cmd.Trigger.Repo)
		idx := rt.indices[cmd.Trigger.Repo]
		triggerPath, ok := idx.Path(cmd.Trigger)
		if !ok {
			continue
		}
		key := state.SignatureKey{RuleName: ruleNameOf(cmd), TriggerPath: triggerPath}
		if err := rt.store.SaveSignature(ctx, key, sig); err != nil {
			rt.logger.Warn("failed to persist signature",
				slog.String("repo", repo.Name), slog.String("rule", key.RuleName), slog.Any("error", err))
		}
	}
}

// Stop signals every watcher and the scheduler's worker pool to shut down,
// waits for all internal goroutines to exit, flushes a final persisted
// snapshot, and closes the history mirror. Safe to call more than once.
func (rt *CoreRuntime) Stop() {
	rt.mu.Lock()
	if !rt.running {
		rt.mu.Unlock()
		return
	}
	rt.running = false
	rt.mu.Unlock()

	if rt.cancel != nil {
		rt.cancel()
	}

	for _, w := range rt.watchers {
		w.Stop()
	}

	rt.sched.Stop()
	rt.wg.Wait()

	if rt.store != nil {
		rt.persist(context.Background())
	}
	if rt.mirror != nil {
		rt.mirror.Close(context.Background())
	}
	if rt.audit != nil {
		if err := rt.audit.Close(); err != nil {
			rt.logger.Warn("audit: close failed", slog.Any("error", err))
		}
	}

	rt.logger.Info("cooking runtime stopped")
}

// Status returns a point-in-time snapshot of command activity across every
// registered repo.
func (rt *CoreRuntime) Status() Status {
	rt.mu.RLock()
	uptime := time.Since(rt.startTime).Seconds()
	rt.mu.RUnlock()

	st := Status{UptimeS: uptime, NumRepos: len(rt.reg.List())}
	for _, cmd := range rt.graph.All() {
		switch cmd.Dirty() {
		case model.StateWaiting:
			st.Waiting++
		case model.StateError:
			st.Error++
		}
		switch cmd.Exec() {
		case model.ExecQueued:
			st.Queued++
		case model.ExecCooking:
			st.Cooking++
		case model.ExecIdle, model.ExecSucceeded, model.ExecFailed, model.ExecCanceled:
			st.Idle++
		}
	}
	return st
}

// Commands returns a point-in-time Snapshot of every instantiated
// CookingCommand, for the observability surface (internal/api/rest's
// GET /api/v1/commands).
func (rt *CoreRuntime) Commands() []cookgraph.Snapshot {
	all := rt.graph.All()
	out := make([]cookgraph.Snapshot, len(all))
	for i, cmd := range all {
		out[i] = cmd.ToSnapshot()
	}
	return out
}

// Repos returns every registered Repo, for the observability surface
// (internal/api/rest's GET /api/v1/repos).
func (rt *CoreRuntime) Repos() []model.Repo {
	return rt.reg.List()
}

type statInfo struct {
	size    int64
	modTime time.Time
	isDir   bool
}

// statPath stats repoRoot/relPath, used to enrich a created/modified
// FileEvent (which carries no metadata of its own) before applying it to
// the File Index.
func statPath(repoRoot, relPath string) (statInfo, error) {
	fi, err := os.Stat(filepath.Join(repoRoot, relPath))
	if err != nil {
		return statInfo{}, err
	}
	return statInfo{size: fi.Size(), modTime: fi.ModTime(), isDir: fi.IsDir()}, nil
}
