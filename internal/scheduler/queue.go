package scheduler

import "github.com/cookforge/cooker/internal/cookgraph"

// queueItem is one entry in the scheduler's ready queue: a command plus the
// ordering key — rule priority descending, then instantiation order
// ascending (CommandIDs are assigned sequentially, so the numeric ID
// already is the instantiation order).
type queueItem struct {
	cmd      *cookgraph.CookingCommand
	priority int
	ordinal  int64
}

// cmdQueue is a container/heap.Interface min-heap ordered so that Pop
// returns the highest-priority, earliest-instantiated command first: higher
// priority sorts first, ties broken by the smaller CommandID.
type cmdQueue []*queueItem

func (q cmdQueue) Len() int { return len(q) }

func (q cmdQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].ordinal < q[j].ordinal
}

func (q cmdQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *cmdQueue) Push(x any) {
	*q = append(*q, x.(*queueItem))
}

func (q *cmdQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}
