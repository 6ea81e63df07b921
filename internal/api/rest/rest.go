// Package rest provides the HTTP observability surface for the cooking
// daemon: a chi router exposing the current Command Graph and Repo
// Registry state to an external dashboard. Uses a Server-holds-a-narrow-
// Source-interface shape and a JSON-array-never-null response convention.
package rest

import (
	"encoding/json"
	"net/http"

	"github.com/cookforge/cooker/internal/cookgraph"
	"github.com/cookforge/cooker/internal/model"
)

// Source is the subset of runtime.CoreRuntime the REST handlers read.
// Defining it as an interface lets handlers be tested against a fake
// without a fully wired CoreRuntime.
type Source interface {
	// Commands returns a point-in-time snapshot of every instantiated
	// CookingCommand.
	Commands() []cookgraph.Snapshot

	// Repos returns every registered Repo.
	Repos() []model.Repo
}

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	src Source
}

// NewServer creates a new Server backed by src.
func NewServer(src Source) *Server {
	return &Server{src: src}
}

// handleHealthz responds to GET /healthz. Does not require authentication.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// commandView is the JSON shape returned by GET /api/v1/commands.
type commandView struct {
	ID          int    `json:"id"`
	RuleName    string `json:"rule_name"`
	CommandLine string `json:"command_line"`
	Dirty       string `json:"dirty"`
	Exec        string `json:"exec"`
	RetryCount  int    `json:"retry_count"`
	LastError   string `json:"last_error,omitempty"`
}

// handleGetCommands responds to GET /api/v1/commands with the current dirty
// and execution state of every instantiated CookingCommand.
func (s *Server) handleGetCommands(w http.ResponseWriter, r *http.Request) {
	snaps := s.src.Commands()
	views := make([]commandView, len(snaps))
	for i, snap := range snaps {
		v := commandView{
			ID:          int(snap.ID),
			RuleName:    snap.RuleName,
			CommandLine: snap.CommandLine,
			Dirty:       snap.Dirty.String(),
			Exec:        snap.Exec.String(),
			RetryCount:  snap.RetryCount,
		}
		if snap.LastErr != nil {
			v.LastError = snap.LastErr.Error()
		}
		views[i] = v
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(views)
}

// repoView is the JSON shape returned by GET /api/v1/repos.
type repoView struct {
	Name string `json:"name"`
	Root string `json:"root"`
}

// handleGetRepos responds to GET /api/v1/repos with every registered repo.
func (s *Server) handleGetRepos(w http.ResponseWriter, r *http.Request) {
	repos := s.src.Repos()
	views := make([]repoView, len(repos))
	for i, repo := range repos {
		views[i] = repoView{Name: repo.Name, Root: repo.Root}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(views)
}
