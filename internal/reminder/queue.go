package reminder

import (
	"container/heap"
	"time"

	"agenda/internal/notify"
)

type task struct {
	key    string
	fireAt time.Time
	seq    uint64
	n      notify.Notification
}

// taskQueue is a min-heap on fire time; seq breaks ties in arming order.
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if !q[i].fireAt.Equal(q[j].fireAt) {
		return q[i].fireAt.Before(q[j].fireAt)
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*task)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

func (q *taskQueue) push(t *task) { heap.Push(q, t) }

// popDue removes and returns every task due at or before now.
func (q *taskQueue) popDue(now time.Time) []*task {
	var due []*task
	for q.Len() > 0 && !(*q)[0].fireAt.After(now) {
		due = append(due, heap.Pop(q).(*task))
	}
	return due
}

// next is the earliest fire time, if any.
func (q taskQueue) next() (time.Time, bool) {
	if len(q) == 0 {
		return time.Time{}, false
	}
	return q[0].fireAt, true
}
