package commit

import (
	"log"
	"sync"
	"time"

	"github.com/tkenna/streamcore/pkg/window"
)

// Queue buffers closed windows between the store and the committer. Results
// dedupe by result id so a window re-closed during recovery never queues
// twice. The queue depth is one of the two signals the backpressure
// controller watches.
type Queue struct {
	mu         sync.Mutex
	Name       string
	pending    []*window.Result
	queuedIDs  map[string]struct{}
	total      int
	drainCount int
	lastDrain  time.Time
	lastAdd    time.Time
}

func NewQueue(name string) *Queue {
	return &Queue{
		Name:      name,
		pending:   make([]*window.Result, 0),
		queuedIDs: make(map[string]struct{}),
		lastDrain: time.Now(),
		lastAdd:   time.Now(),
	}
}

// Add enqueues a result unless the same result id is already pending.
func (q *Queue) Add(res *window.Result) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.queuedIDs[res.ID]; exists {
		return false
	}
	q.pending = append(q.pending, res)
	q.queuedIDs[res.ID] = struct{}{}
	q.total++
	q.lastAdd = time.Now()
	return true
}

// Drain removes and returns everything pending, in enqueue order.
func (q *Queue) Drain() []*window.Result {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil
	}
	drained := q.pending
	q.pending = make([]*window.Result, 0)
	q.queuedIDs = make(map[string]struct{})
	q.drainCount++
	q.lastDrain = time.Now()
	return drained
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// LogStats prints queue throughput the same way the state layer reports
// record counts.
func (q *Queue) LogStats() {
	q.mu.Lock()
	defer q.mu.Unlock()
	log.Printf("[Commit] Queue %s | Pending: %d | Total: %d | Drains: %d | Last drain: %v ago",
		q.Name, len(q.pending), q.total, q.drainCount, time.Since(q.lastDrain).Round(time.Millisecond))
}
