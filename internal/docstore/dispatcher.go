package docstore

import "sync"

// dispatcher fans change signals out to topic subscribers. Signals carry no
// payload: subscribers re-read authoritative state from the store when woken,
// the same way a remote snapshot listener would. Sends never block a writer;
// a subscriber that falls more than bufferSize signals behind coalesces the
// burst into its next wake-up.
type dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]chan struct{}
	nextID      int64
	bufferSize  int
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		subscribers: make(map[string]map[int64]chan struct{}),
		bufferSize:  16,
	}
}

func (d *dispatcher) subscribe(topic string) (<-chan struct{}, func()) {
	signal := make(chan struct{}, d.bufferSize)

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]chan struct{})
	}
	d.subscribers[topic][id] = signal
	d.mu.Unlock()

	cancel := func() {
		d.mu.Lock()
		subscribers := d.subscribers[topic]
		if subscribers != nil {
			delete(subscribers, id)
			if len(subscribers) == 0 {
				delete(d.subscribers, topic)
			}
		}
		d.mu.Unlock()
	}
	return signal, cancel
}

func (d *dispatcher) publish(topic string) {
	d.mu.RLock()
	subscribers := d.subscribers[topic]
	copies := make([]chan struct{}, 0, len(subscribers))
	for _, signal := range subscribers {
		copies = append(copies, signal)
	}
	d.mu.RUnlock()

	for _, signal := range copies {
		select {
		case signal <- struct{}{}:
		default:
		}
	}
}
