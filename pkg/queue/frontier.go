package queue

import (
	"container/heap"
	"sync"

	"github.com/sirupsen/logrus"

	"image-harvester/pkg/models"
)

// pqItem is one heap entry. seq keeps FIFO order among equal priorities.
type pqItem struct {
	workItem models.WorkItem
	seq      uint64
	index    int
}

// priorityQueue implements heap.Interface. Items with more remaining depth
// (closer to a seed) pop first.
type priorityQueue []*pqItem

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].workItem.RemainingDepth != pq[j].workItem.RemainingDepth {
		return pq[i].workItem.RemainingDepth > pq[j].workItem.RemainingDepth
	}
	return pq[i].seq < pq[j].seq
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	item := x.(*pqItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[:n-1]
	return item
}

// Frontier is the crawl worklist shared by the worker pool. It tracks items that
// were popped but not yet marked Done, and closes itself once nothing is queued
// or in flight, which is how a crawl learns it is finished.
type Frontier struct {
	pq       priorityQueue
	mu       sync.Mutex
	cond     *sync.Cond
	nextSeq  uint64
	inFlight int
	closed   bool
	log      *logrus.Entry
}

// NewFrontier creates an empty, open Frontier
func NewFrontier(log *logrus.Entry) *Frontier {
	f := &Frontier{log: log}
	f.cond = sync.NewCond(&f.mu)
	heap.Init(&f.pq)
	return f
}

// Add queues a work item. Returns false if the frontier is already closed.
func (f *Frontier) Add(item models.WorkItem) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		f.log.Debugf("Dropping item for closed frontier: %s", item.URL)
		return false
	}
	heap.Push(&f.pq, &pqItem{workItem: item, seq: f.nextSeq})
	f.nextSeq++
	f.cond.Signal()
	return true
}

// Pop blocks until an item is available. It returns false once the frontier is
// closed and drained. Every successful Pop must be followed by Done.
func (f *Frontier) Pop() (models.WorkItem, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for len(f.pq) == 0 {
		if f.closed {
			return models.WorkItem{}, false
		}
		f.cond.Wait()
	}
	if f.closed {
		return models.WorkItem{}, false
	}

	item := heap.Pop(&f.pq).(*pqItem)
	f.inFlight++
	return item.workItem, true
}

// Done marks a popped item as finished. Children must be added before calling Done.
func (f *Frontier) Done() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.inFlight--
	if f.inFlight < 0 {
		f.log.Error("frontier: Done called more times than Pop")
		f.inFlight = 0
	}
	if f.inFlight == 0 && len(f.pq) == 0 {
		f.closeLocked()
	}
}

// Close stops the frontier early; queued items are discarded and waiters return
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeLocked()
}

func (f *Frontier) closeLocked() {
	if !f.closed {
		f.closed = true
		f.cond.Broadcast()
	}
}

// Len returns the number of queued items
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pq)
}
