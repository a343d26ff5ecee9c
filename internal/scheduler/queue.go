package scheduler

import (
	"sort"

	"tilestream/internal/retrieve"
	"tilestream/internal/tile"
)

// DefaultCapacity bounds the requests one frame may accumulate.
const DefaultCapacity = 200

// RequestQueue collects one frame's retrieval requests. It is not safe for concurrent
// use; each selection pass owns its queue and drains it before the next frame.
type RequestQueue struct {
	capacity int
	tasks    []retrieve.Task
	keys     map[tile.Key]struct{}
}

func NewRequestQueue(capacity int) *RequestQueue {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &RequestQueue{
		capacity: capacity,
		keys:     make(map[tile.Key]struct{}),
	}
}

func (q *RequestQueue) Len() int { return len(q.tasks) }

func (q *RequestQueue) Contains(key tile.Key) bool {
	_, ok := q.keys[key]
	return ok
}

// Offer adds task unless its key is already queued. A full queue keeps the closest
// requests: task replaces the farthest one when it is closer, otherwise it is refused.
func (q *RequestQueue) Offer(task retrieve.Task) bool {
	key := task.Key()
	if _, ok := q.keys[key]; ok {
		return false
	}
	if len(q.tasks) < q.capacity {
		q.tasks = append(q.tasks, task)
		q.keys[key] = struct{}{}
		return true
	}

	worst := 0
	for i, t := range q.tasks {
		if t.Priority() > q.tasks[worst].Priority() {
			worst = i
		}
	}
	if task.Priority() >= q.tasks[worst].Priority() {
		return false
	}
	delete(q.keys, q.tasks[worst].Key())
	q.tasks[worst] = task
	q.keys[key] = struct{}{}
	return true
}

// Drain hands the queued tasks to exec closest first while exec reports capacity,
// discards whatever is left and empties the queue. It returns how many tasks were
// accepted and how many were dropped.
func (q *RequestQueue) Drain(exec retrieve.Submitter) (sent, dropped int) {
	sort.SliceStable(q.tasks, func(i, j int) bool {
		return q.tasks[i].Priority() < q.tasks[j].Priority()
	})
	for _, t := range q.tasks {
		if !exec.IsAvailable() {
			break
		}
		if exec.Submit(t) {
			sent++
		}
	}
	dropped = len(q.tasks) - sent
	q.Clear()
	return sent, dropped
}

func (q *RequestQueue) Clear() {
	q.tasks = q.tasks[:0]
	clear(q.keys)
}
