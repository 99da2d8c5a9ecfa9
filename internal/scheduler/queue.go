package scheduler

import (
	"container/heap"
	"time"

	"github.com/aristath/debai/internal/model"
)

// readyItem is a Ready task waiting for a worker.
type readyItem struct {
	id       string
	priority model.Priority
	at       time.Time // trigger time
	seq      int64     // insertion order
	index    int
}

// readyQueue orders Ready tasks by priority, then trigger time, then insertion order.
type readyQueue struct {
	items []*readyItem
	byID  map[string]*readyItem
}

func newReadyQueue() *readyQueue {
	return &readyQueue{byID: map[string]*readyItem{}}
}

func (q *readyQueue) Len() int { return len(q.items) }

func (q *readyQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.seq < b.seq
}

func (q *readyQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *readyQueue) Push(x any) {
	item := x.(*readyItem)
	item.index = len(q.items)
	q.items = append(q.items, item)
}

func (q *readyQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	q.items = old[:n-1]
	return item
}

// push queues a task, a task already queued is left where it is.
func (q *readyQueue) push(item *readyItem) {
	if _, ok := q.byID[item.id]; ok {
		return
	}
	q.byID[item.id] = item
	heap.Push(q, item)
}

// pop removes the first task in order.
func (q *readyQueue) pop() *readyItem {
	if q.Len() == 0 {
		return nil
	}
	item := heap.Pop(q).(*readyItem)
	delete(q.byID, item.id)
	return item
}

// remove drops a task from the queue if present.
func (q *readyQueue) remove(id string) {
	item, ok := q.byID[id]
	if !ok {
		return
	}
	heap.Remove(q, item.index)
	delete(q.byID, id)
}

func (q *readyQueue) contains(id string) bool {
	_, ok := q.byID[id]
	return ok
}
