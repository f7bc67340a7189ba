package rmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Conn owns one broker connection and redials on demand once it has closed.
// Producers and consumers share it instead of package-level singletons.
type Conn struct {
	url  string
	dial func(string) (*amqp.Connection, error)

	mu   sync.Mutex
	conn *amqp.Connection
}

func Dial(url string) (*Conn, error) {
	c := &Conn{url: url, dial: amqp.Dial}
	if _, err := c.connection(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Conn) connection() (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}
	conn, err := c.dial(c.url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	c.conn = conn
	return conn, nil
}

// Channel opens a fresh channel, reconnecting first if needed.
func (c *Conn) Channel() (*amqp.Channel, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	return ch, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

// Topology describes the work queue, its dead-letter queue and the per-attempt delay queues.
type Topology struct {
	Queue      string
	MaxRetries int
	RetryBase  time.Duration
}

func DLQName(queue string) string { return queue + ".dlq" }

func RetryQueueName(queue string, attempt int) string {
	return fmt.Sprintf("%s.retry.%d", queue, attempt)
}

// RetryDelay is base * 2^attempt.
func RetryDelay(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(int64(1)<<attempt)
}

type queueSpec struct {
	name string
	args amqp.Table
}

// queues lists everything Declare creates. Delay queues expire messages back into the work queue.
func (t Topology) queues() []queueSpec {
	specs := []queueSpec{
		{name: t.Queue},
		{name: DLQName(t.Queue)},
	}
	for n := 1; n < t.MaxRetries; n++ {
		specs = append(specs, queueSpec{
			name: RetryQueueName(t.Queue, n),
			args: amqp.Table{
				"x-message-ttl":             RetryDelay(t.RetryBase, n).Milliseconds(),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": t.Queue,
			},
		})
	}
	return specs
}

func (t Topology) Declare(ch *amqp.Channel) error {
	for _, q := range t.queues() {
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
			return fmt.Errorf("declare %s: %w", q.name, err)
		}
	}
	return nil
}

// Publisher sends persistent messages and waits for the broker confirm.
type Publisher struct {
	conn *Conn
	topo Topology

	mu sync.Mutex
	ch *amqp.Channel
}

func NewPublisher(conn *Conn, topo Topology) (*Publisher, error) {
	p := &Publisher{conn: conn, topo: topo}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.channel(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("confirm mode: %w", err)
	}
	if err := p.topo.Declare(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	p.ch = ch
	return ch, nil
}

func (p *Publisher) Publish(ctx context.Context, queue string, body []byte, headers amqp.Table) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return err
	}
	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx,
		"", queue, false, false,
		amqp.Publishing{
			Headers:      headers,
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		})
	if err != nil {
		p.ch = nil
		_ = ch.Close()
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("confirm from %s: %w", queue, err)
	}
	if !acked {
		return fmt.Errorf("broker nacked publish to %s", queue)
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}

// Consumer is a manual-ack subscription on the work queue.
type Consumer struct {
	conn     *Conn
	topo     Topology
	prefetch int
	tag      string

	mu sync.Mutex
	ch *amqp.Channel
}

func NewConsumer(conn *Conn, topo Topology, prefetch int) *Consumer {
	if prefetch < 1 {
		prefetch = 1
	}
	return &Consumer{
		conn:     conn,
		topo:     topo,
		prefetch: prefetch,
		tag:      "sender-worker-" + uuid.NewString(),
	}
}

// Consume opens a new channel and subscribes. Call it again after the returned channel closes.
func (c *Consumer) Consume() (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := c.topo.Declare(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("qos: %w", err)
	}
	deliveries, err := ch.Consume(c.topo.Queue, c.tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", c.topo.Queue, err)
	}
	c.ch = ch
	return deliveries, nil
}

// Cancel stops new deliveries; already delivered messages can still be acked.
func (c *Consumer) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil || c.ch.IsClosed() {
		return nil
	}
	return c.ch.Cancel(c.tag, false)
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil {
		return nil
	}
	err := c.ch.Close()
	c.ch = nil
	return err
}
