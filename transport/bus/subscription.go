package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/c360/qollective/envelope"
	"github.com/c360/qollective/errors"
	"github.com/c360/qollective/pkg/buffer"
)

// Message is one delivery on a Subscription.
type Message struct {
	Subject string
	Reply   string
	Data    []byte
}

// Envelope decodes the message as an envelope.
func (m Message) Envelope() (envelope.Raw, error) {
	return envelope.Decode[json.RawMessage](m.Data)
}

// Subscription is a bounded backlog of messages on a subject. Messages are delivered in
// receive order. When the backlog is full the configured overflow policy drops the oldest or
// newest message, or stalls delivery from the connection.
type Subscription struct {
	subject string
	buf     buffer.Buffer[Message]
	unsub   func() error

	ctx    context.Context
	cancel context.CancelFunc

	once    sync.Once
	unsubEr error

	chOnce sync.Once
	ch     chan Message
}

// Subscribe starts a subscription on subject, sharing deliveries round-robin with other
// members of queue when queue is non-empty.
func (c *Client) Subscribe(subject, queue string) (*Subscription, error) {
	policy, _ := buffer.ParseOverflowPolicy(c.cfg.Overflow)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		subject: subject,
		buf: buffer.New[Message](c.cfg.BufferSize,
			buffer.WithOverflowPolicy[Message](policy),
			buffer.WithMetrics[Message](c.metrics, transportLabel)),
		ctx:    ctx,
		cancel: cancel,
	}

	unsub, err := c.conn.Subscribe(subject, queue, func(msg *nats.Msg) {
		c.metrics.RecordReceived(transportLabel, "subscription")
		// Push only fails once the subscription is closed or, under Block, cancelled.
		_ = s.buf.Push(s.ctx, Message{Subject: msg.Subject, Reply: msg.Reply, Data: msg.Data})
	})
	if err != nil {
		cancel()
		s.buf.Close()
		return nil, err
	}
	s.unsub = unsub
	return s, nil
}

// Subject returns the subscribed subject.
func (s *Subscription) Subject() string {
	return s.subject
}

// Next returns the next message, waiting until one arrives or ctx ends. After Unsubscribe
// the remaining backlog is still returned, then Next fails with KindConnectionClosed.
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	msg, err := s.buf.Pop(ctx)
	if err != nil {
		if errors.Is(err, buffer.ErrClosed) {
			return Message{}, err
		}
		return Message{}, errors.FromContext(ctx, "bus.Subscription.Next")
	}
	return msg, nil
}

// C returns a channel fed from the backlog. It is closed by Unsubscribe; use Next to drain
// what remains afterwards.
func (s *Subscription) C() <-chan Message {
	s.chOnce.Do(func() {
		s.ch = make(chan Message)
		go func() {
			defer close(s.ch)
			for {
				msg, err := s.buf.Pop(s.ctx)
				if err != nil {
					return
				}
				select {
				case s.ch <- msg:
				case <-s.ctx.Done():
					return
				}
			}
		}()
	})
	return s.ch
}

// Dropped returns how many messages overflow has discarded.
func (s *Subscription) Dropped() uint64 {
	return s.buf.Dropped()
}

// Pending returns the backlog length.
func (s *Subscription) Pending() int {
	return s.buf.Len()
}

// Unsubscribe stops delivery. It is safe to call more than once.
func (s *Subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.unsubEr = s.unsub()
		s.cancel()
		s.buf.Close()
	})
	return s.unsubEr
}
