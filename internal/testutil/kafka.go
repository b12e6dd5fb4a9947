package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// MemoryProducer records every written message. Fail, when set, is consulted before
// each write and its error returned instead.
type MemoryProducer struct {
	mu       sync.Mutex
	messages []kafka.Message
	Fail     func(kafka.Message) error
	closed   bool
}

func (p *MemoryProducer) WriteMessage(ctx context.Context, msg kafka.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Fail != nil {
		if err := p.Fail(msg); err != nil {
			return err
		}
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *MemoryProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Messages returns a copy of the written messages.
func (p *MemoryProducer) Messages() []kafka.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]kafka.Message(nil), p.messages...)
}

// MessagesFor returns the written messages addressed to topic.
func (p *MemoryProducer) MessagesFor(topic string) []kafka.Message {
	var out []kafka.Message
	for _, m := range p.Messages() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// MemoryConsumer serves queued messages and records commits. FetchMessage blocks
// until a message is queued or the context ends.
type MemoryConsumer struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
	ready     chan struct{}
	nextOff   map[int]int64
}

func NewMemoryConsumer() *MemoryConsumer {
	return &MemoryConsumer{
		ready:   make(chan struct{}, 1),
		nextOff: make(map[int]int64),
	}
}

// Push enqueues msg, assigning the next offset of its partition.
func (c *MemoryConsumer) Push(msgs ...kafka.Message) {
	c.mu.Lock()
	for _, msg := range msgs {
		msg.Offset = c.nextOff[msg.Partition]
		c.nextOff[msg.Partition]++
		c.queue = append(c.queue, msg)
	}
	c.mu.Unlock()
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func (c *MemoryConsumer) FetchMessage(ctx context.Context) (kafka.Message, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			msg := c.queue[0]
			c.queue = c.queue[1:]
			more := len(c.queue) > 0
			c.mu.Unlock()
			if more {
				select {
				case c.ready <- struct{}{}:
				default:
				}
			}
			return msg, nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-c.ready:
		}
	}
}

func (c *MemoryConsumer) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = append(c.committed, msgs...)
	return nil
}

func (c *MemoryConsumer) Close() error { return nil }

// Committed returns a copy of the committed messages in commit order.
func (c *MemoryConsumer) Committed() []kafka.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]kafka.Message(nil), c.committed...)
}

// Pending returns the number of queued, unfetched messages.
func (c *MemoryConsumer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Polling bounds for require.Eventually in asynchronous tests.
const (
	WaitTimeout = 5 * time.Second
	Tick        = 10 * time.Millisecond
)
