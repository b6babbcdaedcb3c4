package orchestrator

import (
	"fmt"

	"github.com/tachyon-beep/elspeth/internal/elspetherrors"
	"github.com/tachyon-beep/elspeth/internal/plugin"
)

// item is one unit of pending work: a token sitting at the entrance of a
// node, waiting for its next visit. Spec section 4.1 describes the core
// scheduler state as "a single logical work queue of (token, start_step)
// items"; item is that pair plus the row payload and bookkeeping the
// dispatch functions need to avoid re-querying the store mid-loop.
type item struct {
	TokenID   string
	RowID     string
	NodeLabel string
	Row       plugin.Row
	Attempt   int

	// RouteLabel is the gate route label this token traveled to reach
	// NodeLabel, propagated unchanged through every non-gate hop. A
	// Coalesce plugin's Merge needs it to rebuild a rows-by-label
	// projection of its barrier's arrivals (spec section 6).
	RouteLabel string
	// CoalesceKey identifies the sibling group a forked token belongs to,
	// set once at the fork point to the forking token's own id and
	// propagated unchanged thereafter (spec section 4.4: "Coalesce uses
	// the token's lineage to identify matching siblings").
	CoalesceKey string
}

// workQueue is the bounded FIFO the scheduler pulls from. Spec section 4.1
// bounds it by a configurable ceiling (default 10,000) so a pathological
// graph aborts the run instead of growing memory without limit; spec
// section 5 mandates a single scheduler, so no locking is needed here.
type workQueue struct {
	items   []item
	ceiling int
}

func newWorkQueue(ceiling int) *workQueue {
	return &workQueue{ceiling: ceiling}
}

func (q *workQueue) push(it item) error {
	if len(q.items) >= q.ceiling {
		return elspetherrors.InvariantViolation(
			fmt.Sprintf("orchestrator: work queue exceeded ceiling of %d pending items", q.ceiling), nil)
	}
	q.items = append(q.items, it)
	return nil
}

func (q *workQueue) pop() (item, bool) {
	if len(q.items) == 0 {
		return item{}, false
	}
	it := q.items[0]
	q.items = q.items[1:]
	return it, true
}

func (q *workQueue) len() int {
	return len(q.items)
}
