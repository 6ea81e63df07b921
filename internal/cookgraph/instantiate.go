package cookgraph

import (
	"fmt"

	"github.com/cookforge/cooker/internal/fileindex"
	"github.com/cookforge/cooker/internal/model"
	"github.com/cookforge/cooker/internal/repos"
	"github.com/cookforge/cooker/internal/rules"
	"github.com/cookforge/cooker/internal/strpool"
	"github.com/cookforge/cooker/internal/template"
)

// Instantiator expands a (file, rule) match into a concrete CookingCommand
// and registers it with a Graph.
type Instantiator struct {
	graph   *Graph
	reg     *repos.Registry
	pool    *strpool.Pool
	set     *rules.Set
	indices map[model.RepoIndex]*fileindex.Index
}

func appendFileIDUnique(ids []model.FileID, id model.FileID) []model.FileID {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// NewInstantiator returns an Instantiator wired to the given collaborators.
// indices must have one entry per repo registered in reg.
func NewInstantiator(graph *Graph, reg *repos.Registry, pool *strpool.Pool, set *rules.Set, indices map[model.RepoIndex]*fileindex.Index) *Instantiator {
	return &Instantiator{graph: graph, reg: reg, pool: pool, set: set, indices: indices}
}

// Instantiate expands ruleID bound to trigger, or returns the
// already-instantiated command if this (rule, trigger) pair was seen
// before — instantiation is idempotent, so a command persists until the
// rule set changes.
func (ins *Instantiator) Instantiate(ruleID int, trigger model.FileID) (*CookingCommand, error) {
	if existing, ok := ins.graph.Existing(ruleID, trigger); ok {
		return existing, nil
	}

	rule := &ins.set.Rules[ruleID]
	repo := ins.reg.Get(trigger.Repo)
	idx := ins.indices[trigger.Repo]

	triggerEntry, ok := idx.Get(trigger)
	if !ok {
		return nil, fmt.Errorf("cookgraph: unknown triggering file %v", trigger)
	}
	triggerPath := ins.pool.String(triggerEntry.Path)
	vars := template.VarsFromPath(repo.Name, triggerPath)

	inputs := []model.FileID{trigger}
	for _, tmpl := range rule.InputPaths {
		relPath, err := template.Expand(tmpl, vars)
		if err != nil {
			return nil, fmt.Errorf("cookgraph: rule %q: %w", rule.Name, err)
		}
		inputs = append(inputs, idx.FindOrCreate(relPath))
	}

	var outputs []model.FileID
	for _, tmpl := range rule.OutputPaths {
		relPath, err := template.Expand(tmpl, vars)
		if err != nil {
			return nil, fmt.Errorf("cookgraph: rule %q: %w", rule.Name, err)
		}
		outputs = append(outputs, idx.FindOrCreate(relPath))
	}

	var commandLine string
	if rule.IsExternalCommand() {
		commandLine, _ = template.Expand(rule.CommandLine, vars)
	} else {
		commandLine = rule.CommandType
	}

	var depFile *model.FileID
	if rule.DepFile != nil {
		relPath, err := template.Expand(rule.DepFile.Path, vars)
		if err != nil {
			return nil, fmt.Errorf("cookgraph: rule %q: DepFile.Path: %w", rule.Name, err)
		}
		id := idx.FindOrCreate(relPath)
		depFile = &id
		inputs = appendFileIDUnique(inputs, id)
	}

	cmd := &CookingCommand{
		ID:          ins.graph.NextID(),
		Rule:        rule,
		RuleID:      ruleID,
		Trigger:     trigger,
		Inputs:      inputs,
		Outputs:     outputs,
		CommandLine: commandLine,
		DepFile:     depFile,
	}

	if err := ins.graph.Register(ruleID, cmd); err != nil {
		return nil, err
	}

	for _, in := range inputs {
		if inIdx, ok := ins.indices[in.Repo]; ok {
			inIdx.AddInput(in, cmd.ID)
		}
	}
	for _, out := range outputs {
		if outIdx, ok := ins.indices[out.Repo]; ok {
			outIdx.SetProducer(out, cmd.ID)
		}
	}

	return cmd, nil
}

// AddDepFileInputs records additional inputs discovered by parsing a
// command's dep-file after a successful cook and registers each as a
// consumer edge in the graph. Each path is resolved relative to the
// triggering file's repo.
func (ins *Instantiator) AddDepFileInputs(cmd *CookingCommand, relPaths []string) {
	idx := ins.indices[cmd.Trigger.Repo]
	g := ins.graph
	for _, p := range relPaths {
		id := idx.FindOrCreate(p)
		cmd.AppendInput(id)
		idx.AddInput(id, cmd.ID)

		g.mu.Lock()
		g.consumersOf[id] = appendUnique(g.consumersOf[id], cmd.ID)
		clear(g.closure)
		g.mu.Unlock()
	}
}
