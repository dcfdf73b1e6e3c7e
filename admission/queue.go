package admission

import (
	"container/heap"
	"sync"
	"time"

	"github.com/kernelforge/kernelforge/deployment"
)

// Task is one queued deployment request awaiting a pipeline worker.
type Task struct {
	Request    *deployment.Request
	Priority   int // 0 (critical) to 10 (background)
	Deadline   time.Time
	SubmitTime time.Time // for priority aging
	EnqueuedAt time.Time // for admission-wait telemetry
	Done       chan *deployment.Result
}

// taskHeap orders tasks by effective priority with anti-starvation aging.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	// EffectivePriority = BasePriority - (WaitTime / AgingFactor): every 10
	// seconds of waiting improves precedence by one priority level.
	now := time.Now()
	const agingFactorSeconds = 10.0

	effI := float64(h[i].Priority) - (now.Sub(h[i].SubmitTime).Seconds() / agingFactorSeconds)
	effJ := float64(h[j].Priority) - (now.Sub(h[j].SubmitTime).Seconds() / agingFactorSeconds)

	if int(effI) == int(effJ) {
		return h[i].Deadline.Before(h[j].Deadline)
	}
	return effI < effJ
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(*Task))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[0 : n-1]
	return item
}

// Queue is a mutex-guarded priority queue of deployment tasks.
type Queue struct {
	h  taskHeap
	mu sync.Mutex
}

func NewQueue() *Queue {
	return &Queue{h: make(taskHeap, 0)}
}

func (q *Queue) Push(task *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.h, task)
}

func (q *Queue) Pop() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*Task)
}

func (q *Queue) Peek() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0]
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// PushDelayed re-queues a task after a backoff without blocking the caller.
func (q *Queue) PushDelayed(task *Task, delay time.Duration) {
	time.AfterFunc(delay, func() {
		q.Push(task)
	})
}
