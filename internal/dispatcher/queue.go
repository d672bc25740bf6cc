package dispatcher

import "sync"

// retryQueue is the in-memory FIFO of raw bus items awaiting a retry.
// It is not persisted: the bus is the durable source of truth.
type retryQueue struct {
	mu    sync.Mutex
	items [][]byte
}

func (q *retryQueue) push(raw []byte) {
	q.mu.Lock()
	q.items = append(q.items, raw)
	q.mu.Unlock()
}

func (q *retryQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	raw := q.items[0]
	q.items = q.items[1:]
	return raw, true
}

func (q *retryQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
