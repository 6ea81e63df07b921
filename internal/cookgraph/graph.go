// Package cookgraph implements the Command Instantiator and the Command
// Graph: expanding a (file, rule) match into a concrete CookingCommand and
// maintaining the bipartite file⇄command adjacency the Scheduler and
// Dirtiness Tracker read. The single-RWMutex-guards-a-map design follows
// the same shape as a subscriber registry guarded by one mutex with reads
// dominating, or a single mutex around a batch.
package cookgraph

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cookforge/cooker/internal/model"
	"github.com/cookforge/cooker/internal/rules"
)

// CookingCommand is a single instantiated unit of work: a rule bound to a
// concrete triggering file, with resolved inputs, outputs, and command
// line.
type CookingCommand struct {
	ID      model.CommandID
	Rule    *rules.Rule
	RuleID  int
	Trigger model.FileID

	Inputs      []model.FileID
	Outputs     []model.FileID
	CommandLine string

	DepFile *model.FileID

	mu               sync.Mutex
	signature        string
	dirty            model.DirtyState
	exec             model.ExecState
	lastErr          error
	retryCount       int
	retriesExhausted bool
}

// Snapshot is a point-in-time, lock-free copy of a CookingCommand's mutable
// state, safe to hand to observers (REST handlers, tests) without holding
// the command's internal lock.
type Snapshot struct {
	ID          model.CommandID
	RuleName    string
	Trigger     model.FileID
	Inputs      []model.FileID
	Outputs     []model.FileID
	CommandLine string
	Dirty       model.DirtyState
	Exec        model.ExecState
	LastErr     error
	RetryCount  int
}

// Signature returns the command's last-recorded cook signature.
func (c *CookingCommand) Signature() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signature
}

// SetSignature records a new cook signature, taken after a successful cook.
func (c *CookingCommand) SetSignature(sig string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signature = sig
}

// Dirty returns the command's current dirty-state.
func (c *CookingCommand) Dirty() model.DirtyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// SetDirty updates the command's dirty-state.
func (c *CookingCommand) SetDirty(s model.DirtyState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = s
}

// Exec returns the command's current execution-state.
func (c *CookingCommand) Exec() model.ExecState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exec
}

// SetExec transitions the command's execution-state.
func (c *CookingCommand) SetExec(s model.ExecState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exec = s
}

// RecordFailure stores err as the command's last error and increments its
// retry count.
func (c *CookingCommand) RecordFailure(err error) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
	c.retryCount++
	return c.retryCount
}

// RetryCount returns the number of retry attempts made so far.
func (c *CookingCommand) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

// ResetRetries clears the retry count, called when an input change re-arms
// a command that had settled into the error state.
func (c *CookingCommand) ResetRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retryCount = 0
	c.lastErr = nil
	c.retriesExhausted = false
}

// MarkRetriesExhausted records that the retry policy has been exhausted for
// this command's most recent failure streak. The Dirtiness Tracker holds
// the command in the error state until ResetRetries is called by a
// subsequent input change.
func (c *CookingCommand) MarkRetriesExhausted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retriesExhausted = true
}

// RetriesExhausted reports whether MarkRetriesExhausted was called since
// the last ResetRetries.
func (c *CookingCommand) RetriesExhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retriesExhausted
}

// LastError returns the error recorded by the most recent failed cook.
func (c *CookingCommand) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// AppendInput adds id to the command's input list if not already present.
// Used by Instantiator.AddDepFileInputs when a dep-file discovers a new
// input after a successful cook.
func (c *CookingCommand) AppendInput(id model.FileID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.Inputs {
		if existing == id {
			return
		}
	}
	c.Inputs = append(c.Inputs, id)
}

// ToSnapshot copies the command's current state into a Snapshot.
func (c *CookingCommand) ToSnapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := ""
	if c.Rule != nil {
		name = c.Rule.Name
	}
	return Snapshot{
		ID:          c.ID,
		RuleName:    name,
		Trigger:     c.Trigger,
		Inputs:      append([]model.FileID(nil), c.Inputs...),
		Outputs:     append([]model.FileID(nil), c.Outputs...),
		CommandLine: c.CommandLine,
		Dirty:       c.dirty,
		Exec:        c.exec,
		LastErr:     c.lastErr,
		RetryCount:  c.retryCount,
	}
}

// Graph is the bipartite adjacency structure between files and commands:
// two maps keyed by stable small integers, never by owning reference, so
// serialization and cycle-avoidance are both trivial.
type Graph struct {
	mu sync.RWMutex

	commands map[model.CommandID]*CookingCommand

	// consumersOf[f] is every command that lists f as an input.
	consumersOf map[model.FileID][]model.CommandID
	// producerOf[f] is the single command that outputs f, if any.
	producerOf map[model.FileID]model.CommandID

	// byTrigger dedups instantiation: the same (rule, triggering file) pair
	// must never instantiate twice.
	byTrigger map[triggerKey]model.CommandID

	// closure caches the downstream-commands closure per command, cleared
	// whenever an edge changes.
	closure map[model.CommandID][]model.CommandID

	nextID atomic.Int64
}

type triggerKey struct {
	rule    int
	trigger model.FileID
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{
		commands:    make(map[model.CommandID]*CookingCommand),
		consumersOf: make(map[model.FileID][]model.CommandID),
		producerOf:  make(map[model.FileID]model.CommandID),
		byTrigger:   make(map[triggerKey]model.CommandID),
		closure:     make(map[model.CommandID][]model.CommandID),
	}
}

// Existing returns the already-instantiated command for (ruleID, trigger),
// if any.
func (g *Graph) Existing(ruleID int, trigger model.FileID) (*CookingCommand, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.byTrigger[triggerKey{ruleID, trigger}]
	if !ok {
		return nil, false
	}
	return g.commands[id], true
}

// Register adds a newly instantiated command to the graph. It fails with a
// descriptive error, without mutating any state, if any output already has
// a different producer — a duplicate-producer configuration error that
// must be surfaced rather than silently overwriting the existing edge.
func (g *Graph) Register(ruleID int, cmd *CookingCommand) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, out := range cmd.Outputs {
		if existing, ok := g.producerOf[out]; ok && existing != cmd.ID {
			return fmt.Errorf("cookgraph: output %v already produced by command %v (conflicts with %v)", out, existing, cmd.ID)
		}
	}

	g.commands[cmd.ID] = cmd
	g.byTrigger[triggerKey{ruleID, cmd.Trigger}] = cmd.ID

	for _, in := range cmd.Inputs {
		g.consumersOf[in] = appendUnique(g.consumersOf[in], cmd.ID)
	}
	for _, out := range cmd.Outputs {
		g.producerOf[out] = cmd.ID
	}

	g.closure = make(map[model.CommandID][]model.CommandID)
	return nil
}

// NextID returns a fresh, never-reused CommandID.
func (g *Graph) NextID() model.CommandID {
	return model.CommandID(g.nextID.Add(1))
}

// Get returns the command with the given ID.
func (g *Graph) Get(id model.CommandID) (*CookingCommand, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.commands[id]
	return c, ok
}

// Producer returns the command that produces f, if any.
func (g *Graph) Producer(f model.FileID) (*CookingCommand, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.producerOf[f]
	if !ok {
		return nil, false
	}
	return g.commands[id], true
}

// Consumers returns every command that lists f as an input.
func (g *Graph) Consumers(f model.FileID) []*CookingCommand {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := g.consumersOf[f]
	out := make([]*CookingCommand, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.commands[id])
	}
	return out
}

// All returns every registered command, in no particular order.
func (g *Graph) All() []*CookingCommand {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*CookingCommand, 0, len(g.commands))
	for _, c := range g.commands {
		out = append(out, c)
	}
	return out
}

// Downstream returns the closure of commands reachable by following
// producer edges forward from cmd's outputs: every command that directly or
// transitively consumes something cmd produces. The result is cached until
// the next edge mutation (Register or Instantiator.AddDepFileInputs).
func (g *Graph) Downstream(id model.CommandID) []model.CommandID {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cached, ok := g.closure[id]; ok {
		return cached
	}

	visited := make(map[model.CommandID]bool)
	var walk func(model.CommandID)
	walk = func(cur model.CommandID) {
		cmd, ok := g.commands[cur]
		if !ok {
			return
		}
		for _, out := range cmd.Outputs {
			for _, consumerID := range g.consumersOf[out] {
				if visited[consumerID] {
					continue
				}
				visited[consumerID] = true
				walk(consumerID)
			}
		}
	}
	walk(id)

	result := make([]model.CommandID, 0, len(visited))
	for id := range visited {
		result = append(result, id)
	}
	g.closure[id] = result
	return result
}

func appendUnique(ids []model.CommandID, id model.CommandID) []model.CommandID {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
