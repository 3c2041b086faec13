package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"chatbridge/pkg/interfaces"
)

const memoryQueueSize = 1024

// Memory is an in-process durable queue for single-node runs and tests.
// Consumers of the same queue compete for messages; rejected messages
// with requeue go back to the queue.
type Memory struct {
	mu     sync.Mutex
	queues map[string]chan []byte
	closed chan struct{}
	once   sync.Once
	stats  memoryStats
	logger zerolog.Logger
}

type memoryStats struct {
	published atomic.Int64
	acked     atomic.Int64
	requeued  atomic.Int64
	dropped   atomic.Int64
}

// Stats counts delivery outcomes
type Stats struct {
	Published int64
	Acked     int64
	Requeued  int64
	Dropped   int64
}

// NewMemory creates an empty in-process queue
func NewMemory(logger zerolog.Logger) *Memory {
	return &Memory{
		queues: make(map[string]chan []byte),
		closed: make(chan struct{}),
		logger: logger.With().Str("component", "queue").Str("backend", "memory").Logger(),
	}
}

func (m *Memory) queue(name string) chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[name]
	if !ok {
		q = make(chan []byte, memoryQueueSize)
		m.queues[name] = q
	}
	return q
}

// Publish appends a copy of body to queue
func (m *Memory) Publish(ctx context.Context, queue string, body []byte) error {
	select {
	case <-m.closed:
		return ErrQueueClosed
	default:
	}

	msg := append([]byte(nil), body...)
	select {
	case m.queue(queue) <- msg:
		m.stats.published.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.closed:
		return ErrQueueClosed
	}
}

// Consume delivers messages of queue until ctx is done or the queue is closed
func (m *Memory) Consume(ctx context.Context, queue string) (<-chan interfaces.Delivery, error) {
	select {
	case <-m.closed:
		return nil, ErrQueueClosed
	default:
	}

	q := m.queue(queue)
	out := make(chan interfaces.Delivery)

	go func() {
		defer close(out)
		for {
			select {
			case body := <-q:
				d := &memoryDelivery{body: body, queue: q, stats: &m.stats}
				select {
				case out <- d:
				case <-ctx.Done():
					d.requeue()
					return
				case <-m.closed:
					d.requeue()
					return
				}
			case <-ctx.Done():
				return
			case <-m.closed:
				return
			}
		}
	}()

	return out, nil
}

// Len is the number of messages waiting in queue
func (m *Memory) Len(queue string) int {
	return len(m.queue(queue))
}

// Stats returns delivery outcome counters
func (m *Memory) Stats() Stats {
	return Stats{
		Published: m.stats.published.Load(),
		Acked:     m.stats.acked.Load(),
		Requeued:  m.stats.requeued.Load(),
		Dropped:   m.stats.dropped.Load(),
	}
}

// Close stops consumers; queued messages are discarded
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

type memoryDelivery struct {
	body  []byte
	queue chan []byte
	stats *memoryStats
	done  atomic.Bool
}

func (d *memoryDelivery) Body() []byte { return d.body }

func (d *memoryDelivery) Ack() error {
	if !d.done.CompareAndSwap(false, true) {
		return ErrAlreadyAcknowledged
	}
	d.stats.acked.Add(1)
	return nil
}

func (d *memoryDelivery) Reject(requeue bool) error {
	if !d.done.CompareAndSwap(false, true) {
		return ErrAlreadyAcknowledged
	}
	if requeue {
		d.stats.requeued.Add(1)
		d.requeue()
		return nil
	}
	d.stats.dropped.Add(1)
	return nil
}

// requeue returns the body to the queue without blocking the caller
func (d *memoryDelivery) requeue() {
	select {
	case d.queue <- d.body:
	default:
		go func() { d.queue <- d.body }()
	}
}
