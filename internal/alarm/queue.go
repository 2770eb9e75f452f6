package alarm

import "container/heap"

// queue is a min-heap of pending alarms ordered by trigger time, UID and
// repeat number.
type queue []*Pending

func newQueue() *queue {
	q := &queue{}
	heap.Init(q)
	return q
}

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	return less(q[i], q[j])
}

func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *queue) Push(x any) {
	p, ok := x.(*Pending)
	if !ok {
		return
	}
	*q = append(*q, p)
}

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	if n == 0 {
		return nil
	}
	p := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return p
}

func (q queue) peek() *Pending {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

func less(a, b *Pending) bool {
	if !a.At.Equal(b.At) {
		return a.At.Before(b.At)
	}
	if a.UID != b.UID {
		return a.UID < b.UID
	}
	return a.Repeat < b.Repeat
}
