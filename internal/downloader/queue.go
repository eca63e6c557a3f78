package downloader

import "sync"

type queueItem struct {
	task Task
	stop bool
}

// Queue is an unbounded FIFO of tasks shared by a pool of workers.
//
// Put never blocks. Get blocks until a task or a stop signal is available.
// Every task returned by Get must be acknowledged with Done; Join blocks
// until all queued tasks have been acknowledged.
type Queue struct {
	mu      sync.Mutex
	ready   *sync.Cond
	drained *sync.Cond
	items   []queueItem
	pending int
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.ready = sync.NewCond(&q.mu)
	q.drained = sync.NewCond(&q.mu)
	return q
}

// Put appends a task.
func (q *Queue) Put(t Task) {
	q.mu.Lock()
	q.items = append(q.items, queueItem{task: t})
	q.pending++
	q.mu.Unlock()
	q.ready.Signal()
}

// Stop appends n stop signals, one per worker. Stop signals are not counted
// by Join.
func (q *Queue) Stop(n int) {
	q.mu.Lock()
	for range n {
		q.items = append(q.items, queueItem{stop: true})
	}
	q.mu.Unlock()
	q.ready.Broadcast()
}

// Get removes the oldest item. ok is false when the item is a stop signal,
// in which case the caller must exit.
func (q *Queue) Get() (t Task, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 {
		q.ready.Wait()
	}
	item := q.items[0]
	q.items[0] = queueItem{}
	q.items = q.items[1:]
	return item.task, !item.stop
}

// Done marks a task returned by Get as finished.
func (q *Queue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending--
	if q.pending < 0 {
		panic("downloader: Queue.Done called more times than Put")
	}
	if q.pending == 0 {
		q.drained.Broadcast()
	}
}

// Join blocks until every queued task has been marked done.
func (q *Queue) Join() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.pending > 0 {
		q.drained.Wait()
	}
}

// Len returns the number of items waiting to be taken.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
