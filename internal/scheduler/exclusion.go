package scheduler

import "github.com/cookforge/cooker/internal/model"

// lockState tracks the readers/writer held for a single FileID. readers > 0
// and writer are mutually exclusive (an output lock is exclusive; an input
// lock is shared).
type lockState struct {
	readers int
	writer  bool
}

// exclusionSet enforces the scheduler's exclusion rule: two commands sharing
// any input or output file may not run concurrently. Shared locks are taken on
// inputs, exclusive locks on outputs. All locks for a command are acquired
// or none are (checked while holding the caller's queue mutex, so this type
// itself needs no locking of its own).
type exclusionSet struct {
	locks map[model.FileID]*lockState
}

func newExclusionSet() *exclusionSet {
	return &exclusionSet{locks: make(map[model.FileID]*lockState)}
}

// tryAcquire attempts to take shared locks on inputs and exclusive locks on
// outputs. A file appearing in both inputs and outputs (the common case of
// the triggering file also being an output, or a dep-file acting as both) is
// treated as output-only: it needs the exclusive lock, and inputs duplicated
// by outputs are skipped. Returns false, acquiring nothing, if any lock is
// unavailable.
func (e *exclusionSet) tryAcquire(inputs, outputs []model.FileID) bool {
	outSet := make(map[model.FileID]bool, len(outputs))
	for _, id := range outputs {
		outSet[id] = true
	}

	for _, id := range inputs {
		if outSet[id] {
			continue
		}
		if st, ok := e.locks[id]; ok && st.writer {
			return false
		}
	}
	for _, id := range outputs {
		if st, ok := e.locks[id]; ok && (st.writer || st.readers > 0) {
			return false
		}
	}

	for _, id := range inputs {
		if outSet[id] {
			continue
		}
		e.get(id).readers++
	}
	for _, id := range outputs {
		e.get(id).writer = true
	}
	return true
}

func (e *exclusionSet) release(inputs, outputs []model.FileID) {
	outSet := make(map[model.FileID]bool, len(outputs))
	for _, id := range outputs {
		outSet[id] = true
	}

	for _, id := range inputs {
		if outSet[id] {
			continue
		}
		if st, ok := e.locks[id]; ok && st.readers > 0 {
			st.readers--
			e.tidy(id, st)
		}
	}
	for _, id := range outputs {
		if st, ok := e.locks[id]; ok {
			st.writer = false
			e.tidy(id, st)
		}
	}
}

func (e *exclusionSet) get(id model.FileID) *lockState {
	st, ok := e.locks[id]
	if !ok {
		st = &lockState{}
		e.locks[id] = st
	}
	return st
}

func (e *exclusionSet) tidy(id model.FileID, st *lockState) {
	if st.readers == 0 && !st.writer {
		delete(e.locks, id)
	}
}
