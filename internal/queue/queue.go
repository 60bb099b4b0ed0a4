// Package queue provides the ranked ticket queue consumed by the
// scheduler.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ljluestc/awesome-apply/internal/apply"
)

// ConfidenceFunc reports the current top strategy confidence for a domain.
// It supplies the secondary ordering key so domains more likely to succeed
// are attempted first.
type ConfidenceFunc func(domain string) float64

// PriorityQueue orders tickets by priority score, then domain confidence,
// then FIFO enqueue order. Dequeue blocks until a ticket or context end.
type PriorityQueue struct {
	mu         sync.Mutex
	items      ticketHeap
	seq        atomic.Uint64
	confidence ConfidenceFunc
	avail      chan struct{}
}

// New constructs a PriorityQueue with the provided capacity.
func New(capacity int, confidence ConfidenceFunc) *PriorityQueue {
	if capacity <= 0 {
		capacity = 64
	}
	if confidence == nil {
		confidence = func(string) float64 { return 0 }
	}
	return &PriorityQueue{
		confidence: confidence,
		avail:      make(chan struct{}, capacity),
	}
}

// Enqueue adds a ticket, capturing the domain's confidence at enqueue time
// as the secondary ranking key. Blocks while the queue is at capacity.
func (q *PriorityQueue) Enqueue(ctx context.Context, ticket apply.ScheduleTicket) error {
	if ticket.EnqueuedSeq == 0 {
		ticket.EnqueuedSeq = q.seq.Add(1)
	}
	item := queuedTicket{
		ticket:     ticket,
		confidence: q.confidence(ticket.Domain),
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.avail <- struct{}{}:
	}
	q.mu.Lock()
	heap.Push(&q.items, item)
	q.mu.Unlock()
	return nil
}

// Dequeue pops the highest-ranked ticket, respecting context cancellation.
func (q *PriorityQueue) Dequeue(ctx context.Context) (apply.ScheduleTicket, error) {
	select {
	case <-ctx.Done():
		return apply.ScheduleTicket{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.avail:
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := heap.Pop(&q.items).(queuedTicket)
	if !ok {
		return apply.ScheduleTicket{}, fmt.Errorf("unexpected queue item type")
	}
	return item.ticket, nil
}

// Len returns the number of queued tickets.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Snapshot returns the queued tickets in rank order without removing them.
func (q *PriorityQueue) Snapshot() []apply.ScheduleTicket {
	q.mu.Lock()
	items := make(ticketHeap, len(q.items))
	copy(items, q.items)
	q.mu.Unlock()

	out := make([]apply.ScheduleTicket, 0, len(items))
	for items.Len() > 0 {
		item, ok := heap.Pop(&items).(queuedTicket)
		if !ok {
			break
		}
		out = append(out, item.ticket)
	}
	return out
}

type queuedTicket struct {
	ticket     apply.ScheduleTicket
	confidence float64
}

type ticketHeap []queuedTicket

func (h ticketHeap) Len() int { return len(h) }

func (h ticketHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.ticket.Priority != b.ticket.Priority {
		return a.ticket.Priority > b.ticket.Priority
	}
	if a.confidence != b.confidence {
		return a.confidence > b.confidence
	}
	return a.ticket.EnqueuedSeq < b.ticket.EnqueuedSeq
}

func (h ticketHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *ticketHeap) Push(x any) {
	item, ok := x.(queuedTicket)
	if !ok {
		return
	}
	*h = append(*h, item)
}

func (h *ticketHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
