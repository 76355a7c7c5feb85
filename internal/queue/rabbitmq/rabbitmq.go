// Package rabbitmq implements queue.Broker on RabbitMQ with manual
// acknowledgements and a dead-letter exchange bound to a durable queue.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rzbill/analysis-worker/internal/queue"
	"github.com/rzbill/analysis-worker/pkg/log"
)

// Options configures the connection and topology.
type Options struct {
	URL string
	// Exchange may be empty to publish through the default exchange.
	Exchange           string
	Queue              string
	RoutingKey         string
	DeadLetterExchange string
	DeadLetterQueue    string
	// Prefetch bounds unacknowledged deliveries; normally the worker concurrency.
	Prefetch    int
	ConsumerTag string
	Logger      log.Logger
	// OnClose is called once if the connection drops unexpectedly.
	OnClose func(error)
}

// Client is a RabbitMQ-backed queue.Broker.
type Client struct {
	opts    Options
	conn    *amqp.Connection
	consume *amqp.Channel

	pubMu   sync.Mutex
	publish *amqp.Channel

	logger    log.Logger
	closing   chan struct{}
	closeOnce sync.Once
}

var _ queue.Broker = (*Client)(nil)

// Dial connects, declares the topology and applies QoS.
func Dial(opts Options) (*Client, error) {
	if opts.RoutingKey == "" {
		opts.RoutingKey = opts.Queue
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.ConsumerTag == "" {
		opts.ConsumerTag = fmt.Sprintf("analysis-worker-%d", time.Now().UnixNano())
	}
	conn, err := amqp.Dial(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	c := &Client{
		opts:    opts,
		conn:    conn,
		logger:  opts.Logger.WithComponent("rabbitmq"),
		closing: make(chan struct{}),
	}
	if err := c.setup(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go c.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))
	return c, nil
}

func (c *Client) setup() error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := declare(ch, c.opts); err != nil {
		_ = ch.Close()
		return err
	}
	if c.opts.Prefetch > 0 {
		if err := ch.Qos(c.opts.Prefetch, 0, false); err != nil {
			_ = ch.Close()
			return fmt.Errorf("set qos: %w", err)
		}
	}
	pub, err := c.conn.Channel()
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("open publish channel: %w", err)
	}
	c.consume = ch
	c.publish = pub
	return nil
}

func declare(ch *amqp.Channel, o Options) error {
	if o.DeadLetterExchange != "" {
		if err := ch.ExchangeDeclare(o.DeadLetterExchange, "direct", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dead-letter exchange: %w", err)
		}
	}
	if o.DeadLetterQueue != "" {
		if _, err := ch.QueueDeclare(o.DeadLetterQueue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dead-letter queue: %w", err)
		}
		if o.DeadLetterExchange != "" {
			if err := ch.QueueBind(o.DeadLetterQueue, o.DeadLetterQueue, o.DeadLetterExchange, false, nil); err != nil {
				return fmt.Errorf("bind dead-letter queue: %w", err)
			}
		}
	}

	args := amqp.Table{}
	if o.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = o.DeadLetterExchange
		args["x-dead-letter-routing-key"] = o.DeadLetterQueue
	}
	if _, err := ch.QueueDeclare(o.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", o.Queue, err)
	}
	if o.Exchange != "" {
		if err := ch.ExchangeDeclare(o.Exchange, "direct", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange: %w", err)
		}
		if err := ch.QueueBind(o.Queue, o.RoutingKey, o.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue: %w", err)
		}
	}
	return nil
}

func (c *Client) watch(notify <-chan *amqp.Error) {
	select {
	case <-c.closing:
		return
	case amqpErr, ok := <-notify:
		if !ok {
			return
		}
		err := fmt.Errorf("rabbitmq connection lost: %w", amqpErr)
		c.logger.Error("broker connection closed", log.Err(err))
		if c.opts.OnClose != nil {
			c.opts.OnClose(err)
		}
	}
}

// Consume starts a manual-ack consumer on the work queue. When ctx is
// cancelled the consumer is cancelled and deliveries already prefetched but
// not handed out are returned to the queue.
func (c *Client) Consume(ctx context.Context) (<-chan queue.Delivery, error) {
	tag := c.opts.ConsumerTag
	msgs, err := c.consume.Consume(c.opts.Queue, tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", c.opts.Queue, err)
	}
	out := make(chan queue.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				c.cancelConsumer(tag, msgs)
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- newDelivery(msg):
				case <-ctx.Done():
					_ = msg.Nack(false, true)
					c.cancelConsumer(tag, msgs)
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *Client) cancelConsumer(tag string, msgs <-chan amqp.Delivery) {
	if err := c.consume.Cancel(tag, false); err != nil {
		c.logger.Warn("cancel consumer failed", log.Err(err))
	}
	go func() {
		for msg := range msgs {
			_ = msg.Nack(false, true)
		}
	}()
}

// Publish sends msg to the work queue as a persistent message.
func (c *Client) Publish(ctx context.Context, msg queue.Message) error {
	return c.send(ctx, c.opts.Exchange, c.opts.RoutingKey, msg)
}

// PublishDeadLetter sends msg straight to the dead-letter queue.
func (c *Client) PublishDeadLetter(ctx context.Context, msg queue.Message) error {
	if c.opts.DeadLetterExchange == "" {
		return c.send(ctx, "", c.opts.DeadLetterQueue, msg)
	}
	return c.send(ctx, c.opts.DeadLetterExchange, c.opts.DeadLetterQueue, msg)
}

func (c *Client) send(ctx context.Context, exchange, key string, msg queue.Message) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if c.publish == nil || c.publish.IsClosed() {
		return queue.ErrClosed
	}
	err := c.publish.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      toTable(msg.Headers),
		Body:         msg.Body,
	})
	if err != nil {
		return fmt.Errorf("publish to %q/%s: %w", exchange, key, err)
	}
	return nil
}

// Peek fetches up to limit messages from the dead-letter queue with basic.get
// and returns them all to the queue with a single multiple nack.
func (c *Client) Peek(ctx context.Context, limit int) ([]queue.Message, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open peek channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	var (
		out     []queue.Message
		lastTag uint64
	)
	for limit <= 0 || len(out) < limit {
		if err := ctx.Err(); err != nil {
			break
		}
		d, ok, err := ch.Get(c.opts.DeadLetterQueue, false)
		if err != nil {
			return nil, fmt.Errorf("get from %s: %w", c.opts.DeadLetterQueue, err)
		}
		if !ok {
			break
		}
		lastTag = d.DeliveryTag
		out = append(out, queue.Message{Body: d.Body, Headers: fromTable(d.Headers)})
	}
	if lastTag != 0 {
		if err := ch.Nack(lastTag, true, true); err != nil {
			return out, fmt.Errorf("return peeked messages: %w", err)
		}
	}
	return out, nil
}

// Depth returns the number of ready messages in the dead-letter queue.
func (c *Client) Depth(context.Context) (int, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return 0, fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()
	q, err := ch.QueueDeclarePassive(c.opts.DeadLetterQueue, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("inspect %s: %w", c.opts.DeadLetterQueue, err)
	}
	return q.Messages, nil
}

// Healthy reports whether the connection is open.
func (c *Client) Healthy() bool {
	return c.conn != nil && !c.conn.IsClosed()
}

// Close closes both channels and the connection. Unacknowledged deliveries
// return to the queue.
func (c *Client) Close() error {
	var errs []error
	c.closeOnce.Do(func() {
		close(c.closing)
		c.pubMu.Lock()
		if c.publish != nil {
			if err := c.publish.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				errs = append(errs, err)
			}
		}
		c.pubMu.Unlock()
		if c.consume != nil {
			if err := c.consume.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}
