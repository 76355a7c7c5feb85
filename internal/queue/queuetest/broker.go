// Package queuetest provides an in-memory queue.Broker for tests. Rejecting
// without requeue moves a message to the dead-letter list the way a broker
// with a dead-letter exchange would.
package queuetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rzbill/analysis-worker/internal/queue"
)

// ErrSettled is returned when a delivery is acked or rejected twice.
var ErrSettled = errors.New("queuetest: delivery already settled")

// Settlement records how a delivery was settled.
type Settlement int

const (
	Unsettled Settlement = iota
	Acked
	Requeued
	Rejected
)

func (s Settlement) String() string {
	return [...]string{"unsettled", "acked", "requeued", "rejected"}[s]
}

// Broker is an in-memory work queue plus dead-letter queue.
type Broker struct {
	mu          sync.Mutex
	ready       []*Delivery
	signal      chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	all         []*Delivery
	deadLetters []queue.Message
	published   []queue.Message
	nextTag     uint64
	closed      bool
	peekErr     error
}

// New returns an empty broker.
func New() *Broker {
	return &Broker{signal: make(chan struct{}, 1), done: make(chan struct{})}
}

// Enqueue adds a message to the work queue and returns its delivery.
func (b *Broker) Enqueue(body []byte, headers queue.Headers) *Delivery {
	b.mu.Lock()
	d := b.newDeliveryLocked(body, headers, false)
	b.mu.Unlock()
	b.wake()
	return d
}

func (b *Broker) newDeliveryLocked(body []byte, headers queue.Headers, redelivered bool) *Delivery {
	b.nextTag++
	if headers == nil {
		headers = queue.Headers{}
	}
	d := &Delivery{broker: b, tag: b.nextTag, body: body, headers: headers, redelivered: redelivered}
	b.ready = append(b.ready, d)
	b.all = append(b.all, d)
	return d
}

func (b *Broker) wake() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// Consume hands out ready deliveries until ctx is cancelled or the broker closes.
func (b *Broker) Consume(ctx context.Context) (<-chan queue.Delivery, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, queue.ErrClosed
	}
	out := make(chan queue.Delivery)
	go func() {
		defer close(out)
		for {
			d, ok := b.pop()
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-b.done:
					return
				case <-b.signal:
				}
				continue
			}
			select {
			case out <- d:
			case <-ctx.Done():
				b.pushFront(d)
				return
			case <-b.done:
				return
			}
		}
	}()
	return out, nil
}

func (b *Broker) pop() (*Delivery, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || len(b.ready) == 0 {
		return nil, false
	}
	d := b.ready[0]
	b.ready = b.ready[1:]
	return d, true
}

func (b *Broker) pushFront(d *Delivery) {
	b.mu.Lock()
	b.ready = append([]*Delivery{d}, b.ready...)
	b.mu.Unlock()
}

// Publish appends msg to the work queue.
func (b *Broker) Publish(_ context.Context, msg queue.Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return queue.ErrClosed
	}
	b.published = append(b.published, msg)
	b.newDeliveryLocked(msg.Body, msg.Headers.Clone(), false)
	b.mu.Unlock()
	b.wake()
	return nil
}

// PublishDeadLetter appends msg to the dead-letter queue.
func (b *Broker) PublishDeadLetter(_ context.Context, msg queue.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.ErrClosed
	}
	b.deadLetters = append(b.deadLetters, msg)
	return nil
}

// Peek returns up to limit dead-lettered messages without removing them.
func (b *Broker) Peek(_ context.Context, limit int) ([]queue.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.peekErr != nil {
		return nil, b.peekErr
	}
	if b.closed {
		return nil, queue.ErrClosed
	}
	n := len(b.deadLetters)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]queue.Message, n)
	copy(out, b.deadLetters[:n])
	return out, nil
}

// Depth returns the number of dead-lettered messages.
func (b *Broker) Depth(context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.peekErr != nil {
		return 0, b.peekErr
	}
	return len(b.deadLetters), nil
}

// FailPeek makes Peek and Depth return err until called again with nil.
func (b *Broker) FailPeek(err error) {
	b.mu.Lock()
	b.peekErr = err
	b.mu.Unlock()
}

// Close stops all consumers. Deliveries left unsettled stay unsettled, as
// they would on a dropped connection.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.done)
	})
	return nil
}

// DeadLetters returns a copy of the dead-letter queue.
func (b *Broker) DeadLetters() []queue.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]queue.Message(nil), b.deadLetters...)
}

// Published returns messages sent through Publish.
func (b *Broker) Published() []queue.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]queue.Message(nil), b.published...)
}

// Deliveries returns every delivery created so far, in order.
func (b *Broker) Deliveries() []*Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Delivery(nil), b.all...)
}

// Ready returns the number of messages waiting in the work queue.
func (b *Broker) Ready() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ready)
}

// Delivery is a queue.Delivery that records its settlement.
type Delivery struct {
	broker      *Broker
	tag         uint64
	body        []byte
	headers     queue.Headers
	redelivered bool

	mu      sync.Mutex
	state   Settlement
	settles int
}

func (d *Delivery) Body() []byte           { return d.body }
func (d *Delivery) Headers() queue.Headers { return d.headers }
func (d *Delivery) Redelivered() bool      { return d.redelivered }
func (d *Delivery) Tag() uint64            { return d.tag }

// Ack acknowledges the delivery.
func (d *Delivery) Ack() error {
	return d.settle(Acked)
}

// Reject returns the message to the queue or dead-letters it.
func (d *Delivery) Reject(requeue bool) error {
	if requeue {
		return d.settle(Requeued)
	}
	return d.settle(Rejected)
}

func (d *Delivery) settle(s Settlement) error {
	d.mu.Lock()
	d.settles++
	if d.state != Unsettled {
		d.mu.Unlock()
		return fmt.Errorf("%w: tag %d is %s", ErrSettled, d.tag, d.state)
	}
	d.state = s
	d.mu.Unlock()

	b := d.broker
	switch s {
	case Requeued:
		b.mu.Lock()
		if !b.closed {
			b.newDeliveryLocked(d.body, d.headers, true)
		}
		b.mu.Unlock()
		b.wake()
	case Rejected:
		headers := d.headers.Clone()
		headers[queue.HeaderDeath] = []interface{}{
			map[string]interface{}{"reason": "rejected", "count": int64(1)},
		}
		b.mu.Lock()
		b.deadLetters = append(b.deadLetters, queue.Message{Body: d.body, Headers: headers})
		b.mu.Unlock()
	}
	return nil
}

// State returns how the delivery was settled.
func (d *Delivery) State() Settlement {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// SettleCalls returns how many times Ack or Reject was called.
func (d *Delivery) SettleCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settles
}
