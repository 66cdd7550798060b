package bus

import (
	"strings"
	"sync"
	"time"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// A nil *Bus is valid and discards everything published to it.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	namespace string
	ch        chan Event
	queue     *queue
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of evt.Kind.
// Delivery never blocks: a buffered subscriber whose buffer is full misses the
// event, an ordered subscriber queues it.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		if sub.queue != nil {
			sub.queue.push(evt)
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Emit publishes payload under kind, stamped with the current time.
func (b *Bus) Emit(kind string, payload any) {
	b.Publish(Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// Subscribe returns a channel receiving events whose kind starts with namespace,
// and a function that removes the subscription.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// SubscribeOrdered returns a channel receiving every event whose kind starts
// with namespace, in publish order. Nothing is dropped: events wait in an
// unbounded queue until the subscriber reads them or unsubscribes.
func (b *Bus) SubscribeOrdered(namespace string) (<-chan Event, func()) {
	out := make(chan Event)
	q := &queue{ready: make(chan struct{}, 1), done: make(chan struct{})}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, queue: q}
	b.mu.Unlock()

	go q.run(out)

	var once sync.Once
	return out, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		once.Do(func() { close(q.done) })
	}
}

type queue struct {
	mu    sync.Mutex
	items []Event
	ready chan struct{}
	done  chan struct{}
}

func (q *queue) push(evt Event) {
	q.mu.Lock()
	q.items = append(q.items, evt)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Event{}, false
	}
	evt := q.items[0]
	q.items[0] = Event{}
	q.items = q.items[1:]
	return evt, true
}

func (q *queue) run(out chan<- Event) {
	for {
		select {
		case <-q.ready:
		case <-q.done:
			return
		}
		for {
			evt, ok := q.pop()
			if !ok {
				break
			}
			select {
			case out <- evt:
			case <-q.done:
				return
			}
		}
	}
}
