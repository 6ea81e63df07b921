// Package dirty implements the Dirtiness Tracker: computing and caching
// whether a command is up to date, given file timestamps/sizes and the
// last recorded cook signature. The signature is a SHA-256 digest over a
// canonical JSON encoding, the same hash-then-compare idiom
// internal/audit uses for its tamper-evident chain, here applied to cook
// inputs/outputs instead of audit log entries.
package dirty

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/cookforge/cooker/internal/cookgraph"
	"github.com/cookforge/cooker/internal/fileindex"
	"github.com/cookforge/cooker/internal/model"
)

// Tracker evaluates CookingCommand dirtiness against the current File Index
// state.
type Tracker struct {
	graph   *cookgraph.Graph
	indices map[model.RepoIndex]*fileindex.Index
}

// New returns a Tracker over graph, resolving file metadata through
// indices (one File Index per repo).
func New(graph *cookgraph.Graph, indices map[model.RepoIndex]*fileindex.Index) *Tracker {
	return &Tracker{graph: graph, indices: indices}
}

// fileSig is the canonical per-file contribution to a cook signature.
type fileSig struct {
	Path    string `json:"path"`
	ModTime int64  `json:"mod_time"`
	Size    int64  `json:"size"`
	Exists  bool   `json:"exists"`
}

// signaturePayload is hashed wholesale to produce a command's cook
// signature: rule version, resolved command line, every
// input's {path, mtime, size, existence}, and every output's
// {existence, size, mtime}. Dep-file-discovered inputs need no separate
// field: internal/cookgraph.Instantiator.AddDepFileInputs folds them
// directly into cmd.Inputs, so they are already covered here.
type signaturePayload struct {
	RuleVersion int       `json:"rule_version"`
	CommandLine string    `json:"command_line"`
	Inputs      []fileSig `json:"inputs"`
	Outputs     []fileSig `json:"outputs"`
}

func (t *Tracker) fileSigFor(id model.FileID) fileSig {
	idx, ok := t.indices[id.Repo]
	if !ok {
		return fileSig{}
	}
	path, ok := idx.Path(id)
	if !ok {
		return fileSig{}
	}
	sig := fileSig{Path: path}
	entry, ok := idx.Get(id)
	if !ok {
		return sig
	}
	sig.ModTime = entry.ModTime.UnixNano()
	sig.Size = entry.Size
	sig.Exists = entry.Exists
	return sig
}

// Signature computes cmd's current cook signature as a hex-encoded SHA-256
// digest.
func (t *Tracker) Signature(cmd *cookgraph.CookingCommand) string {
	snap := cmd.ToSnapshot()

	payload := signaturePayload{CommandLine: snap.CommandLine}
	if cmd.Rule != nil {
		payload.RuleVersion = cmd.Rule.Version
	}

	inputs := append([]model.FileID(nil), snap.Inputs...)
	sort.Slice(inputs, func(i, j int) bool { return idLess(inputs[i], inputs[j]) })
	for _, in := range inputs {
		payload.Inputs = append(payload.Inputs, t.fileSigFor(in))
	}

	outputs := append([]model.FileID(nil), snap.Outputs...)
	sort.Slice(outputs, func(i, j int) bool { return idLess(outputs[i], outputs[j]) })
	for _, out := range outputs {
		payload.Outputs = append(payload.Outputs, t.fileSigFor(out))
	}

	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Evaluate computes cmd's current dirty-state.
func (t *Tracker) Evaluate(cmd *cookgraph.CookingCommand) model.DirtyState {
	if cmd.RetriesExhausted() {
		return model.StateError
	}

	if t.isWaiting(cmd) {
		return model.StateWaiting
	}

	current := t.Signature(cmd)

	outputsExist := true
	for _, out := range cmd.ToSnapshot().Outputs {
		if !t.fileSigFor(out).Exists {
			outputsExist = false
			break
		}
	}

	if current == cmd.Signature() && outputsExist {
		return model.StateClean
	}
	return model.StateDirty
}

// isWaiting reports whether any of cmd's inputs is non-existent and is
// itself the output of a command that has not yet cooked successfully.
func (t *Tracker) isWaiting(cmd *cookgraph.CookingCommand) bool {
	for _, in := range cmd.ToSnapshot().Inputs {
		if t.fileSigFor(in).Exists {
			continue
		}
		producer, ok := t.graph.Producer(in)
		if !ok {
			continue // no producer: a missing input with no producer is dirty/error, not waiting
		}
		if producer.Exec() != model.ExecSucceeded {
			return true
		}
	}
	return false
}

func idLess(a, b model.FileID) bool {
	if a.Repo != b.Repo {
		return a.Repo < b.Repo
	}
	return a.Index < b.Index
}
