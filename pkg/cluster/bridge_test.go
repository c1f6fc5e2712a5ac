package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chenxilol/gorelay/internal/utils"
	"github.com/chenxilol/gorelay/pkg/bus"
	"github.com/chenxilol/gorelay/pkg/hub"
)

// memBroker 内存中的总线服务器，多个memBus共享
type memBroker struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

func newMemBroker() *memBroker {
	return &memBroker{subs: make(map[string][]chan []byte)}
}

func (b *memBroker) subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

// dropAll 关闭主题上的所有订阅通道，模拟连接中断
func (b *memBroker) dropAll(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[topic] {
		close(ch)
	}
	delete(b.subs, topic)
}

// memBus 一个节点到memBroker的连接
type memBus struct {
	broker     *memBroker
	mu         sync.Mutex
	mine       map[string]chan []byte
	subscribes int
	failFirst  int
}

func newMemBus(broker *memBroker) *memBus {
	return &memBus{broker: broker, mine: make(map[string]chan []byte)}
}

func (m *memBus) Publish(ctx context.Context, topic string, data []byte) error {
	m.broker.mu.Lock()
	defer m.broker.mu.Unlock()
	for _, ch := range m.broker.subs[topic] {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

func (m *memBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribes++
	if m.subscribes <= m.failFirst {
		return nil, errors.New("bus unavailable")
	}

	ch := make(chan []byte, 16)
	m.mine[topic] = ch
	m.broker.mu.Lock()
	m.broker.subs[topic] = append(m.broker.subs[topic], ch)
	m.broker.mu.Unlock()
	return ch, nil
}

func (m *memBus) Unsubscribe(topic string) error {
	m.mu.Lock()
	ch, ok := m.mine[topic]
	delete(m.mine, topic)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	m.broker.mu.Lock()
	defer m.broker.mu.Unlock()
	subs := m.broker.subs[topic]
	for i, c := range subs {
		if c == ch {
			m.broker.subs[topic] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}
	return nil
}

func (m *memBus) Close() error { return nil }

func (m *memBus) subscribeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribes
}

var _ bus.MessageBus = (*memBus)(nil)

func testConfig(nodeID string) Config {
	cfg := DefaultConfig()
	cfg.NodeID = nodeID
	cfg.Backoff = utils.Backoff{Initial: time.Millisecond, Max: 10 * time.Millisecond, Factor: 2, Retries: -1}
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// runBridge 在后台运行桥接，返回的通道在Run返回后关闭
func runBridge(t *testing.T, b *Bridge) (<-chan struct{}, *error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var runErr error
	go func() {
		defer close(done)
		runErr = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("bridge did not stop")
		}
	})
	return done, &runErr
}

func recvFrame(t *testing.T, s *hub.Subscription) hub.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f, err := s.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	return f
}

func TestBridge_RelaysBetweenNodes(t *testing.T) {
	broker := newMemBroker()
	hubA, hubB := hub.New(10), hub.New(10)
	bridgeA := NewBridge(hubA, newMemBus(broker), testConfig("node-a"))
	bridgeB := NewBridge(hubB, newMemBus(broker), testConfig("node-b"))

	runBridge(t, bridgeA)
	runBridge(t, bridgeB)
	waitFor(t, "bus subscriptions", func() bool { return broker.subscribers(DefaultTopic) == 2 })
	waitFor(t, "hub subscriptions", func() bool { return hubA.Subscribers() == 1 && hubB.Subscribers() == 1 })

	clientA := hubA.Subscribe()
	defer clientA.Close()
	clientB := hubB.Subscribe()
	defer clientB.Close()

	if _, err := hubA.Publish(hub.NewTextFrame("a1", []byte("hello"))); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	local := recvFrame(t, clientA)
	if local.Text() != "hello" || !local.IsLocal() {
		t.Errorf("Unexpected local frame: %+v", local)
	}

	remote := recvFrame(t, clientB)
	if remote.Text() != "hello" || remote.Origin != "node-a" {
		t.Errorf("Unexpected remote frame: %+v", remote)
	}

	waitFor(t, "forward counters", func() bool { return bridgeA.Forwarded() == 1 && bridgeB.Received() == 1 })

	// 消息不会回流到产生它的节点，也不会被再次转发
	time.Sleep(50 * time.Millisecond)
	if _, err := clientA.TryRecv(); !errors.Is(err, hub.ErrEmpty) {
		t.Errorf("Expected no echo on origin node, got %v", err)
	}
	if bridgeB.Forwarded() != 0 {
		t.Errorf("Remote frames must not be forwarded again, forwarded=%d", bridgeB.Forwarded())
	}
}

func TestBridge_DropsDuplicatesAndOwnMessages(t *testing.T) {
	h := hub.New(10)
	b := NewBridge(h, newMemBus(newMemBroker()), testConfig("self"))
	s := h.Subscribe()
	defer s.Close()

	remote, _ := bus.NewMessage("other", []byte("x")).Marshal()
	if err := b.deliver(remote); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if err := b.deliver(remote); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}

	own, _ := bus.NewMessage("self", []byte("mine")).Marshal()
	if err := b.deliver(own); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if err := b.deliver([]byte("not json")); err != nil {
		t.Fatalf("malformed data must be ignored, got %v", err)
	}

	if f := recvFrame(t, s); f.Text() != "x" || f.Origin != "other" {
		t.Errorf("Unexpected frame: %+v", f)
	}
	if _, err := s.TryRecv(); !errors.Is(err, hub.ErrEmpty) {
		t.Errorf("Expected exactly one delivered frame, got %v", err)
	}
	if b.Received() != 1 {
		t.Errorf("Expected 1 received, got %d", b.Received())
	}
}

func TestBridge_ResubscribesAfterChannelClosed(t *testing.T) {
	broker := newMemBroker()
	mb := newMemBus(broker)
	mb.failFirst = 2
	h := hub.New(10)
	b := NewBridge(h, mb, testConfig("node-a"))

	runBridge(t, b)
	waitFor(t, "initial subscription", func() bool { return broker.subscribers(DefaultTopic) == 1 })
	if got := mb.subscribeCount(); got != 3 {
		t.Errorf("Expected 2 failed attempts then success, got %d attempts", got)
	}

	broker.dropAll(DefaultTopic)
	waitFor(t, "resubscription", func() bool { return broker.subscribers(DefaultTopic) == 1 })

	s := h.Subscribe()
	defer s.Close()
	remote, _ := bus.NewMessage("node-b", []byte("after reconnect")).Marshal()
	if err := newMemBus(broker).Publish(context.Background(), DefaultTopic, remote); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if f := recvFrame(t, s); f.Text() != "after reconnect" {
		t.Errorf("Unexpected frame: %+v", f)
	}
}

func TestBridge_StopsWhenHubCloses(t *testing.T) {
	h := hub.New(10)
	b := NewBridge(h, newMemBus(newMemBroker()), testConfig("node-a"))

	done, runErr := runBridge(t, b)
	waitFor(t, "hub subscription", func() bool { return h.Subscribers() == 1 })

	if err := h.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case <-done:
		if *runErr != nil {
			t.Errorf("Expected clean stop, got %v", *runErr)
		}
	case <-time.After(time.Second):
		t.Fatal("bridge did not stop after hub close")
	}
}

func TestNewBridge_Defaults(t *testing.T) {
	b := NewBridge(hub.New(1), newMemBus(newMemBroker()), Config{})
	if b.NodeID() == "" {
		t.Error("Expected generated node id")
	}
	if b.cfg.Topic != DefaultTopic {
		t.Errorf("Expected default topic, got %q", b.cfg.Topic)
	}
	if b.cfg.Backoff.Retries >= 0 || b.cfg.Backoff.Factor != utils.DefaultBackoff().Factor {
		t.Errorf("Expected unbounded subscribe backoff, got %+v", b.cfg.Backoff)
	}
}

func TestDeduplicator_Seen(t *testing.T) {
	d := NewDeduplicator(time.Minute)
	now := time.Now()
	d.now = func() time.Time { return now }

	if d.Seen("a") {
		t.Fatal("first sighting reported as duplicate")
	}
	if !d.Seen("a") {
		t.Fatal("second sighting not reported as duplicate")
	}

	now = now.Add(2 * time.Minute)
	if d.Seen("a") {
		t.Error("expired id must be treated as new")
	}
}

func TestDeduplicator_CleanExpired(t *testing.T) {
	d := NewDeduplicator(time.Second)
	now := time.Now()
	d.now = func() time.Time { return now }

	d.Seen("old")
	now = now.Add(2 * time.Second)
	d.cleanExpired()

	if d.Len() != 0 {
		t.Errorf("Expected expired ids removed, got %d", d.Len())
	}
}
