package manager

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.flowcatalyst.tech/router/internal/queue"
	"go.flowcatalyst.tech/router/internal/router/mediator"
	"go.flowcatalyst.tech/router/internal/router/model"
	"go.flowcatalyst.tech/router/internal/router/pool"
	"go.flowcatalyst.tech/router/internal/router/warning"
)

// fakeMessage implements queue.Message and queue.ReceiptHandleUpdatable for
// tests that exercise routing without a real broker.
type fakeMessage struct {
	id            string
	data          []byte
	group         string
	receiptHandle atomic.Value // string

	acked   atomic.Int32
	nacked  atomic.Int32
	delayed atomic.Int32

	lastDelay time.Duration
	mu        sync.Mutex
}

func newFakeMessage(id string, mp model.MessagePointer) *fakeMessage {
	body, _ := json.Marshal(mp)
	m := &fakeMessage{id: id, data: body, group: mp.MessageGroupID}
	m.receiptHandle.Store(id)
	return m
}

func (m *fakeMessage) ID() string                   { return m.id }
func (m *fakeMessage) Data() []byte                 { return m.data }
func (m *fakeMessage) Subject() string              { return "" }
func (m *fakeMessage) MessageGroup() string         { return m.group }
func (m *fakeMessage) Metadata() map[string]string  { return nil }
func (m *fakeMessage) Ack() error                   { m.acked.Add(1); return nil }
func (m *fakeMessage) Nak() error                   { m.nacked.Add(1); return nil }
func (m *fakeMessage) InProgress() error            { return nil }

func (m *fakeMessage) NakWithDelay(d time.Duration) error {
	m.nacked.Add(1)
	m.mu.Lock()
	m.lastDelay = d
	m.mu.Unlock()
	m.delayed.Add(1)
	return nil
}

func (m *fakeMessage) UpdateReceiptHandle(h string) { m.receiptHandle.Store(h) }
func (m *fakeMessage) GetReceiptHandle() string     { return m.receiptHandle.Load().(string) }

// mockMediator implements pool.Mediator for testing.
type mockMediator struct {
	processFunc func(msg *pool.MessagePointer) *pool.MediationOutcome
	callCount   atomic.Int32
}

func (m *mockMediator) Process(msg *pool.MessagePointer) *pool.MediationOutcome {
	m.callCount.Add(1)
	if m.processFunc != nil {
		return m.processFunc(msg)
	}
	return &pool.MediationOutcome{Result: pool.MediationResultSuccess}
}

func validPointer(poolCode string) model.MessagePointer {
	return model.MessagePointer{
		ID:              "msg-1",
		PoolCode:        poolCode,
		AuthToken:       "token",
		MediationType:   model.MediationTypeHTTP,
		MediationTarget: "http://example.test/hook",
	}
}

func TestNewQueueManager(t *testing.T) {
	m := NewQueueManager(nil)
	if m == nil {
		t.Fatal("NewQueueManager returned nil")
	}
	if m.pools == nil {
		t.Error("pools map is nil")
	}
	if m.mediatorFactory == nil {
		t.Error("mediator factory is nil")
	}
	if m.tracker == nil {
		t.Error("tracker is nil")
	}
}

func TestQueueManagerStartStop(t *testing.T) {
	m := NewQueueManager(nil)
	m.Start()
	if !m.running.Load() {
		t.Error("manager should be running after Start()")
	}
	m.Stop()
	if m.running.Load() {
		t.Error("manager should not be running after Stop()")
	}
}

func TestGetOrCreatePoolAppliesDefaults(t *testing.T) {
	m := NewQueueManager(nil)
	p := m.GetOrCreatePool(model.PoolConfig{Code: "POOL-A"})

	if p.GetConcurrency() != DefaultPoolConcurrency {
		t.Errorf("expected default concurrency %d, got %d", DefaultPoolConcurrency, p.GetConcurrency())
	}
	if p.GetQueueCapacity() != DefaultMaxQueueDepth {
		t.Errorf("expected default queue capacity %d, got %d", DefaultMaxQueueDepth, p.GetQueueCapacity())
	}

	again := m.GetOrCreatePool(model.PoolConfig{Code: "POOL-A"})
	if again != p {
		t.Error("GetOrCreatePool should return the existing pool for a known code")
	}
}

func TestReconcileCreatesUpdatesAndRemoves(t *testing.T) {
	m := NewQueueManager(nil)
	m.Start()
	defer m.Stop()

	m.Reconcile(&model.RouterConfig{
		Pools: []model.PoolConfig{
			{Code: "A", Concurrency: 5, MaxQueueDepth: 100},
			{Code: "B", Concurrency: 5, MaxQueueDepth: 100},
		},
	})

	if _, ok := m.GetPool("A"); !ok {
		t.Fatal("expected pool A to exist after reconcile")
	}
	if _, ok := m.GetPool("B"); !ok {
		t.Fatal("expected pool B to exist after reconcile")
	}

	m.Reconcile(&model.RouterConfig{
		Pools: []model.PoolConfig{
			{Code: "A", Concurrency: 10, MaxQueueDepth: 100},
		},
	})

	poolA, _ := m.GetPool("A")
	if poolA.GetConcurrency() != 10 {
		t.Errorf("expected pool A concurrency updated to 10, got %d", poolA.GetConcurrency())
	}
	if _, ok := m.GetPool("B"); ok {
		t.Error("expected pool B to be removed after reconcile dropped it")
	}
}

func TestRouteUnknownPoolCodeAcksAndWarns(t *testing.T) {
	m := NewQueueManager(nil)
	m.Start()
	defer m.Stop()

	warnings := warning.NewInMemoryService()
	m.WithWarningService(warnings)

	mp := validPointer("NOT-CONFIGURED")
	msg := newFakeMessage("b-1", mp)

	m.Route(&mp, "queue-1", msg)

	if msg.acked.Load() != 1 {
		t.Errorf("expected unroutable message to be acked, acked=%d", msg.acked.Load())
	}
	if warnings.Count() != 1 {
		t.Errorf("expected one warning raised, got %d", warnings.Count())
	}
}

func TestRouteSubmitsToKnownPool(t *testing.T) {
	m := NewQueueManager(nil)
	m.Start()
	defer m.Stop()

	mm := &mockMediator{}
	// Register the pool config without going through GetOrCreatePool, so the
	// pool can be built directly against the mock mediator instead of the
	// manager's real HTTP one.
	cfg := model.PoolConfig{Code: "POOL-A", Concurrency: 2, MaxQueueDepth: 10}
	p := pool.NewProcessPool(cfg.Code, cfg.Concurrency, cfg.MaxQueueDepth, cfg.RateLimitPerMinute, mm, m.callback)
	m.mu.Lock()
	m.pools["POOL-A"] = p
	m.poolConfigs["POOL-A"] = cfg
	m.mu.Unlock()
	p.Start()
	defer p.Shutdown()

	mp := validPointer("POOL-A")
	msg := newFakeMessage("b-2", mp)

	m.Route(&mp, "queue-1", msg)

	deadline := time.Now().Add(time.Second)
	for mm.callCount.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if mm.callCount.Load() == 0 {
		t.Fatal("expected mediator to be invoked for a known pool")
	}

	for msg.acked.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if msg.acked.Load() != 1 {
		t.Errorf("expected successful mediation to ack, acked=%d", msg.acked.Load())
	}
}

func TestRouteDuplicatePipelineKeyNacksAndRefreshesHandle(t *testing.T) {
	m := NewQueueManager(nil)
	m.Start()
	defer m.Stop()
	m.GetOrCreatePool(model.PoolConfig{Code: "POOL-A", Concurrency: 1, MaxQueueDepth: 10})

	mp := validPointer("POOL-A")
	mp.BrokerMessageID = "broker-1"
	first := newFakeMessage("broker-1", mp)
	m.Route(&mp, "queue-1", first)

	second := newFakeMessage("broker-1", mp)
	second.UpdateReceiptHandle("fresh-handle")
	m.Route(&mp, "queue-1", second)

	if second.nacked.Load() != 1 {
		t.Errorf("expected duplicate delivery to be nacked, nacked=%d", second.nacked.Load())
	}
	if first.GetReceiptHandle() != "fresh-handle" {
		t.Errorf("expected original tracked message's receipt handle to be refreshed, got %q", first.GetReceiptHandle())
	}
}

func TestMessageCallbackSingleNackPerPendingDelay(t *testing.T) {
	cb := &messageCallback{}
	var naks atomic.Int32
	var delayNaks atomic.Int32
	var lastDelay time.Duration

	mp := &pool.MessagePointer{
		ID: "m-1",
		NakFunc: func() error {
			naks.Add(1)
			return nil
		},
		NakDelayFunc: func(d time.Duration) error {
			delayNaks.Add(1)
			lastDelay = d
			return nil
		},
	}

	cb.SetVisibilityDelay(mp, 15)
	cb.Nack(mp)

	if delayNaks.Load() != 1 {
		t.Fatalf("expected exactly one delayed nack, got %d", delayNaks.Load())
	}
	if naks.Load() != 0 {
		t.Fatalf("expected no bare nack when a delay was pending, got %d", naks.Load())
	}
	if lastDelay != 15*time.Second {
		t.Fatalf("expected 15s delay, got %v", lastDelay)
	}

	// A second Nack with no pending delay falls back to the bare nack.
	cb.Nack(mp)
	if naks.Load() != 1 {
		t.Fatalf("expected bare nack once pending delay consumed, got %d", naks.Load())
	}
}

// stubConsumer implements queue.Consumer with a cancelable Consume call, for
// Router-level tests that don't need a real broker.
type stubConsumer struct {
	handler func(queue.Message) error
	closed  atomic.Bool
}

func (c *stubConsumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	c.handler = handler
	<-ctx.Done()
	return ctx.Err()
}

func (c *stubConsumer) Close() error {
	c.closed.Store(true)
	return nil
}

func TestRouterStartStop(t *testing.T) {
	consumer := &stubConsumer{}
	r := NewRouter(consumer, nil)
	r.Manager().GetOrCreatePool(model.PoolConfig{Code: "POOL-A", Concurrency: 1, MaxQueueDepth: 10})

	if err := r.Start(); err != nil {
		t.Fatalf("Start() returned error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop() returned error: %v", err)
	}
	if !consumer.closed.Load() {
		t.Error("expected consumer to be closed on Stop()")
	}
}

func TestRouterHealthRestartBudget(t *testing.T) {
	r := NewRouter(&stubConsumer{}, nil)
	r.restartCount.Store(maxConsumerRestarts)
	if err := r.Health(); err == nil {
		t.Error("expected Health() to report an error once restart budget is exhausted")
	}
}
