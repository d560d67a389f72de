package testutil

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/qollective/errors"
	"github.com/c360/qollective/natsclient"
)

// subscriptionBuffer bounds each in-memory subscription's pending deliveries.
const subscriptionBuffer = 1024

// MockNATSClient is an in-memory message bus with NATS subject semantics: "*" and ">"
// wildcards, queue groups delivering each message to one member, and request/reply through
// private inboxes. It has the same Publish, Request and Subscribe signatures as
// natsclient.Client, so it stands in wherever the bus transport takes a connection.
//
// Each subscription delivers in order on its own goroutine. A subscription that falls
// more than subscriptionBuffer messages behind loses the excess, like a slow consumer.
type MockNATSClient struct {
	mu       sync.RWMutex
	subs     map[uint64]*mockSub
	nextSub  uint64
	messages map[string][][]byte
	queueRR  map[string]uint64
	closed   bool
	inboxSeq atomic.Uint64
}

type mockSub struct {
	id      uint64
	subject string
	queue   string
	ch      chan *nats.Msg
	done    chan struct{}
	once    sync.Once
}

// NewMockNATSClient creates a new mock NATS client.
func NewMockNATSClient() *MockNATSClient {
	return &MockNATSClient{
		subs:     make(map[uint64]*mockSub),
		messages: make(map[string][][]byte),
		queueRR:  make(map[string]uint64),
	}
}

// Publish records data and delivers it to every matching subscription.
func (c *MockNATSClient) Publish(_ context.Context, subject string, data []byte) error {
	return c.publish(subject, "", data)
}

func (c *MockNATSClient) publish(subject, reply string, data []byte) error {
	if subject == "" {
		return &errors.Error{Kind: errors.KindValidation, Op: "testutil.Publish", Err: nats.ErrBadSubject}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &errors.Error{Kind: errors.KindConnectionClosed, Op: "testutil.Publish", Err: nats.ErrConnectionClosed}
	}
	payload := append([]byte(nil), data...)
	if !strings.HasPrefix(subject, nats.InboxPrefix) {
		c.messages[subject] = append(c.messages[subject], payload)
	}
	targets := c.route(subject)
	c.mu.Unlock()

	for _, sub := range targets {
		msg := &nats.Msg{Subject: subject, Reply: reply, Data: payload}
		select {
		case sub.ch <- msg:
		case <-sub.done:
		default:
		}
	}
	return nil
}

// route picks the subscriptions that receive a message on subject. Must hold c.mu.
func (c *MockNATSClient) route(subject string) []*mockSub {
	var targets []*mockSub
	groups := make(map[string][]*mockSub)
	for _, sub := range c.subs {
		if !SubjectMatches(sub.subject, subject) {
			continue
		}
		if sub.queue == "" {
			targets = append(targets, sub)
			continue
		}
		key := sub.subject + "|" + sub.queue
		groups[key] = append(groups[key], sub)
	}
	for key, members := range groups {
		// Map iteration order is random; sort by id so round-robin is stable.
		for i := 1; i < len(members); i++ {
			for j := i; j > 0 && members[j].id < members[j-1].id; j-- {
				members[j], members[j-1] = members[j-1], members[j]
			}
		}
		n := c.queueRR[key]
		c.queueRR[key] = n + 1
		targets = append(targets, members[n%uint64(len(members))])
	}
	return targets
}

// Request publishes data with a private reply inbox and waits for the first reply.
func (c *MockNATSClient) Request(ctx context.Context, subject string, data []byte) (*nats.Msg, error) {
	const op = "testutil.Request"

	c.mu.RLock()
	responders := 0
	for _, sub := range c.subs {
		if SubjectMatches(sub.subject, subject) {
			responders++
		}
	}
	c.mu.RUnlock()
	if responders == 0 {
		return nil, &errors.Error{Kind: errors.KindNoResponders, Op: op, Err: nats.ErrNoResponders}
	}

	inbox := nats.InboxPrefix + strconv.FormatUint(c.inboxSeq.Add(1), 10)
	replies := make(chan *nats.Msg, 1)
	unsub, err := c.Subscribe(inbox, "", func(msg *nats.Msg) {
		select {
		case replies <- msg:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = unsub() }()

	if err := c.publish(subject, inbox, data); err != nil {
		return nil, err
	}

	select {
	case msg := <-replies:
		return msg, nil
	case <-ctx.Done():
		return nil, errors.FromContext(ctx, op)
	}
}

// Subscribe registers handler for subject, joining queue when non-empty. The returned
// function unsubscribes and may be called more than once.
func (c *MockNATSClient) Subscribe(subject, queue string, handler nats.MsgHandler) (func() error, error) {
	const op = "testutil.Subscribe"
	if handler == nil {
		return nil, errors.New(errors.KindValidation, op, "nil handler")
	}
	if subject == "" {
		return nil, &errors.Error{Kind: errors.KindValidation, Op: op, Err: nats.ErrBadSubject}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &errors.Error{Kind: errors.KindConnectionClosed, Op: op, Err: nats.ErrConnectionClosed}
	}
	c.nextSub++
	sub := &mockSub{
		id:      c.nextSub,
		subject: subject,
		queue:   queue,
		ch:      make(chan *nats.Msg, subscriptionBuffer),
		done:    make(chan struct{}),
	}
	c.subs[sub.id] = sub
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case msg := <-sub.ch:
				handler(msg)
			}
		}
	}()

	return func() error {
		sub.once.Do(func() {
			c.mu.Lock()
			delete(c.subs, sub.id)
			c.mu.Unlock()
			close(sub.done)
		})
		return nil
	}, nil
}

// SubscriptionCount returns the number of live subscriptions, inboxes included.
func (c *MockNATSClient) SubscriptionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// GetMessages returns a copy of everything published on subject.
func (c *MockNATSClient) GetMessages(subject string) [][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()

	msgs := c.messages[subject]
	if msgs == nil {
		return nil
	}
	result := make([][]byte, len(msgs))
	copy(result, msgs)
	return result
}

// GetMessageCount returns the number of messages on a subject.
func (c *MockNATSClient) GetMessageCount(subject string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages[subject])
}

// ClearAll clears all messages from all subjects.
func (c *MockNATSClient) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = make(map[string][][]byte)
}

// Close closes the mock client and stops every subscription.
func (c *MockNATSClient) Close() error {
	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = make(map[uint64]*mockSub)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.done) })
	}
	return nil
}

// IsClosed returns whether the client is closed.
func (c *MockNATSClient) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// SubjectMatches reports whether subject matches pattern using NATS token wildcards.
func SubjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// MockKVStore is an in-memory stand-in for natsclient.KVStore.
type MockKVStore struct {
	mu       sync.RWMutex
	data     map[string]natsclient.KVEntry
	revision uint64
	putErr   error
}

// NewMockKVStore creates a new mock KV store.
func NewMockKVStore() *MockKVStore {
	return &MockKVStore{data: make(map[string]natsclient.KVEntry)}
}

// FailPuts makes every later Put return err. Nil restores normal behavior.
func (kv *MockKVStore) FailPuts(err error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.putErr = err
}

// Put stores a value.
func (kv *MockKVStore) Put(_ context.Context, key string, value []byte) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.putErr != nil {
		return 0, kv.putErr
	}
	kv.revision++
	kv.data[key] = natsclient.KVEntry{Key: key, Value: append([]byte(nil), value...), Revision: kv.revision}
	return kv.revision, nil
}

// Get retrieves a value.
func (kv *MockKVStore) Get(_ context.Context, key string) (*natsclient.KVEntry, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	entry, ok := kv.data[key]
	if !ok {
		return nil, natsclient.ErrKVKeyNotFound
	}
	entry.Value = append([]byte(nil), entry.Value...)
	return &entry, nil
}

// Delete removes a key.
func (kv *MockKVStore) Delete(_ context.Context, key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if _, ok := kv.data[key]; !ok {
		return natsclient.ErrKVKeyNotFound
	}
	delete(kv.data, key)
	return nil
}

// Keys returns all keys.
func (kv *MockKVStore) Keys(_ context.Context) ([]string, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	keys := make([]string, 0, len(kv.data))
	for k := range kv.data {
		keys = append(keys, k)
	}
	return keys, nil
}

// WaitForMessageCount waits for a specific number of messages (with timeout).
func WaitForMessageCount(t *testing.T, client *MockNATSClient, subject string, count int, timeout time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			got := client.GetMessageCount(subject)
			t.Fatalf("timeout waiting for %d messages on subject %s (got %d)", count, subject, got)
			return
		case <-ticker.C:
			if client.GetMessageCount(subject) >= count {
				return
			}
		}
	}
}
