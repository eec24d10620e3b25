package store

import "sync"

// waiterTable is an in-memory pending-waiter map from unlock key to a queue of
// one-shot signal channels, owned and published to only by the subscriber task.
// Grounded on redis/mod.rs's PubSubChannel{pending_clients: Arc<Mutex<Vec<oneshot
// ::Sender<()>>>>}, reimplemented with channels in place of oneshot senders.
type waiterTable struct {
	mu      sync.Mutex
	pending map[string][]chan struct{}
}

func newWaiterTable() *waiterTable {
	return &waiterTable{pending: make(map[string][]chan struct{})}
}

// register inserts a one-shot waiter for key and returns the channel that will be
// closed when the key is published. cleanupWaiter removes the registration without
// closing the channel.
func (t *waiterTable) register(key string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan struct{})
	t.pending[key] = append(t.pending[key], ch)
	return ch
}

// publish wakes every waiter registered for key and purges the entry.
func (t *waiterTable) publish(key string) {
	t.mu.Lock()
	waiters := t.pending[key]
	delete(t.pending, key)
	t.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}

// cleanupWaiter removes this specific waiter's registration on timeout, to avoid
// leaking channels that are never published. It is a no-op if the waiter was
// already removed by a concurrent publish.
func (t *waiterTable) cleanupWaiter(key string, ch chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	waiters := t.pending[key]
	for i, w := range waiters {
		if w == ch {
			t.pending[key] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(t.pending[key]) == 0 {
		delete(t.pending, key)
	}
}
