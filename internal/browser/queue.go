package browser

// waiter is one submission parked until admission. ready is closed exactly
// once, either on admission or on shutdown with rejected set.
type waiter struct {
	priority int
	seq      uint64
	ready    chan struct{}
	rejected bool

	// index is maintained by the heap; -1 once popped or removed, which is
	// how cancellation tells "still queued" from "already admitted".
	index int
}

// waitQueue orders waiters by priority descending, then submission order.
// It implements heap.Interface; all access is guarded by the pool mutex.
type waitQueue []*waiter

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}
