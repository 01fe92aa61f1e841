package compaction

import (
	"container/heap"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Task is one range compaction submission. Tasks with a higher priority pop
// first; ties pop in submission order.
type Task struct {
	Table    string
	Range    KeyRange
	Priority float64

	seq uint64
}

// Fingerprint identifies the task's (table, range) triple. Two submissions of
// the same range hash identically, which is what makes hand-off idempotent.
func (t Task) Fingerprint() uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(t.Table)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(t.Range.Start)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(t.Range.End)
	return d.Sum64()
}

// TaskQueue is a priority queue of pending range compactions. Duplicate
// submissions of the same range coalesce into the already-queued task.
type TaskQueue struct {
	mu      sync.Mutex
	tasks   taskHeap
	pending map[uint64]struct{}
	nextSeq uint64
}

// NewTaskQueue creates an empty task queue
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{pending: make(map[uint64]struct{})}
}

// Push adds a task to the queue. Returns false if an identical range for the
// same table is already pending.
func (q *TaskQueue) Push(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	fp := t.Fingerprint()
	if _, ok := q.pending[fp]; ok {
		return false
	}
	q.pending[fp] = struct{}{}
	t.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.tasks, t)
	return true
}

// Pop removes and returns the highest-priority task.
func (q *TaskQueue) Pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.tasks.Len() == 0 {
		return Task{}, false
	}
	t := heap.Pop(&q.tasks).(Task)
	delete(q.pending, t.Fingerprint())
	return t, true
}

// Len returns the number of pending tasks
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.Len()
}

// Clear removes all pending tasks
func (q *TaskQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = nil
	q.pending = make(map[uint64]struct{})
}

// taskHeap implements heap.Interface for Task
type taskHeap []Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(Task))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}
