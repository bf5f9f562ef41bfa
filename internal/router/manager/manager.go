// Package manager wires a queue consumer, the InFlightTracker, and the set
// of processing pools into a single runnable Router.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.flowcatalyst.tech/router/internal/common/metrics"
	"go.flowcatalyst.tech/router/internal/queue"
	"go.flowcatalyst.tech/router/internal/router/mediator"
	"go.flowcatalyst.tech/router/internal/router/model"
	"go.flowcatalyst.tech/router/internal/router/pool"
	"go.flowcatalyst.tech/router/internal/router/tracker"
	"go.flowcatalyst.tech/router/internal/router/warning"
)

// Defaults applied when a pool's RouterConfig entry doesn't specify one.
const (
	DefaultPoolConcurrency = 20
	DefaultMaxQueueDepth   = 1000
	concurrencyGraceSecs   = 30
)

// Visibility delays a MessageCallback applies when nacking, matching the
// reasons catalogued in the external-interface contract.
const (
	delayDuplicate = 30 * time.Second
	delayQueueFull = 10 * time.Second
)

// Consumer health monitoring: a consumer is stalled if its last poll
// activity is older than this threshold, checked on this cadence.
const (
	healthCheckInterval = 60 * time.Second
	stallThreshold      = 60 * time.Second
	maxConsumerRestarts = 3
)

// Long-running in-flight messages have their broker visibility/ack deadline
// extended on this cadence, once they've been tracked longer than the
// threshold.
const (
	visibilityExtendInterval  = 55 * time.Second
	visibilityExtendThreshold = 50 * time.Second
)

// QueueManager owns the set of processing pools, the shared mediator
// factory, and the InFlightTracker. One QueueManager per Router.
type QueueManager struct {
	mu          sync.RWMutex
	pools       map[string]*pool.ProcessPool
	poolConfigs map[string]model.PoolConfig

	mediatorFactory *mediator.Factory
	tracker         *tracker.Tracker
	callback        *messageCallback
	warningService  warning.Service

	running atomic.Bool
}

// NewQueueManager creates a QueueManager with no pools registered. Pools are
// created lazily via GetOrCreatePool/Reconcile.
func NewQueueManager(mediatorCfg *mediator.HTTPMediatorConfig) *QueueManager {
	return &QueueManager{
		pools:           make(map[string]*pool.ProcessPool),
		poolConfigs:     make(map[string]model.PoolConfig),
		mediatorFactory: mediator.NewFactory(mediatorCfg),
		tracker:         tracker.New(),
		callback:        &messageCallback{},
	}
}

// WithWarningService attaches the operator-warning sink. Optional — a
// QueueManager with no warning service just logs.
func (m *QueueManager) WithWarningService(s warning.Service) *QueueManager {
	m.warningService = s
	return m
}

// Start marks the manager running and starts every currently registered pool.
func (m *QueueManager) Start() {
	m.running.Store(true)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.pools {
		p.Start()
	}
}

// Stop drains and shuts down every pool, then nacks any message still
// tracked (work the drain deadline didn't finish).
func (m *QueueManager) Stop() {
	m.running.Store(false)

	m.mu.RLock()
	pools := make([]*pool.ProcessPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	for _, p := range pools {
		p.Drain()
	}
	for _, p := range pools {
		p.Shutdown()
	}

	for _, tm := range m.tracker.Clear() {
		if tm.Callback == nil {
			continue
		}
		if err := tm.Callback.Nack(0); err != nil {
			slog.Warn("failed to nack residual tracked message on shutdown", "pipelineKey", tm.PipelineKey, "error", err)
		}
	}
}

// GetOrCreatePool returns the pool for cfg.Code, creating it (and starting
// it, if the manager is already running) if it doesn't exist yet.
func (m *QueueManager) GetOrCreatePool(cfg model.PoolConfig) *pool.ProcessPool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pools[cfg.Code]; ok {
		return p
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultPoolConcurrency
	}
	maxQueueDepth := cfg.MaxQueueDepth
	if maxQueueDepth <= 0 {
		maxQueueDepth = DefaultMaxQueueDepth
	}

	p := pool.NewProcessPool(
		cfg.Code,
		concurrency,
		maxQueueDepth,
		cfg.RateLimitPerMinute,
		m.mediatorFactory.ForPool(cfg.Code),
		m.callback,
	)

	m.pools[cfg.Code] = p
	m.poolConfigs[cfg.Code] = cfg
	if m.running.Load() {
		p.Start()
	}
	return p
}

// GetPool returns the pool for code, if it exists.
func (m *QueueManager) GetPool(code string) (*pool.ProcessPool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[code]
	return p, ok
}

// RemovePool drains and shuts down the pool for code, then forgets it.
func (m *QueueManager) RemovePool(code string) {
	m.mu.Lock()
	p, ok := m.pools[code]
	if ok {
		delete(m.pools, code)
		delete(m.poolConfigs, code)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	p.Drain()
	p.Shutdown()
}

// Reconcile brings the live pool set in line with cfg: pools present only in
// cfg are created, pools present in both are reconfigured in place
// (concurrency/rate limit), and pools absent from cfg are drained and
// removed. Idempotent.
func (m *QueueManager) Reconcile(cfg *model.RouterConfig) {
	if cfg == nil {
		return
	}

	wanted := make(map[string]model.PoolConfig, len(cfg.Pools))
	for _, pc := range cfg.Pools {
		wanted[pc.Code] = pc
	}

	m.mu.RLock()
	var toRemove []string
	for code := range m.pools {
		if _, ok := wanted[code]; !ok {
			toRemove = append(toRemove, code)
		}
	}
	m.mu.RUnlock()

	for _, pc := range cfg.Pools {
		m.mu.RLock()
		existing, ok := m.pools[pc.Code]
		m.mu.RUnlock()

		if !ok {
			m.GetOrCreatePool(pc)
			continue
		}

		existing.UpdateConcurrency(pc.Concurrency, concurrencyGraceSecs)
		existing.UpdateRateLimit(pc.RateLimitPerMinute)
		m.mu.Lock()
		m.poolConfigs[pc.Code] = pc
		m.mu.Unlock()
	}

	for _, code := range toRemove {
		slog.Info("pool removed from router config, draining", "pool", code)
		m.RemovePool(code)
	}
}

// raiseWarning funnels an operator-facing warning through the attached
// warning service, if any.
func (m *QueueManager) raiseWarning(category, severity, message, source string) {
	if m.warningService == nil {
		return
	}
	m.warningService.AddWarning(category, severity, message, source)
}

// visibilityExtender is implemented by tracker callbacks whose broker
// supports extending the in-flight deadline without completing delivery.
type visibilityExtender interface {
	InProgress() error
}

// extendLongRunning walks the tracker for messages held longer than
// visibilityExtendThreshold and extends their broker visibility/ack deadline,
// so a slow downstream target doesn't trigger a premature redelivery. It
// also refreshes the pipeline-size gauges the same way the pool's gauge
// updater refreshes per-pool ones.
func (m *QueueManager) extendLongRunning() {
	now := time.Now()
	m.tracker.Range(func(tm *tracker.TrackedMessage) bool {
		if now.Sub(tm.TrackedAt) < visibilityExtendThreshold {
			return true
		}
		ext, ok := tm.Callback.(visibilityExtender)
		if !ok {
			return true
		}
		if err := ext.InProgress(); err != nil {
			slog.Warn("failed to extend message visibility", "pipelineKey", tm.PipelineKey, "error", err)
		}
		return true
	})

	metrics.PipelineMapSize.Set(float64(m.tracker.Size()))

	m.mu.RLock()
	var capacity int
	for _, p := range m.pools {
		capacity += p.GetQueueCapacity()
	}
	m.mu.RUnlock()
	metrics.PipelineTotalCapacity.Set(float64(capacity))
}

// Route admits a decoded MessagePointer into the router: duplicate
// detection, pool resolution, and submission. msg is the broker envelope
// the eventual ack/nack/visibility actions are issued against.
func (m *QueueManager) Route(mp *model.MessagePointer, sourceQueueID string, msg queue.Message) {
	pipelineKey := mp.PipelineKey()
	cb := brokerCallback{msg: msg}

	result := m.tracker.Track(pipelineKey, mp.ID, mp.BrokerMessageID, sourceQueueID, mp, cb)
	if result.IsDuplicate() {
		m.handleDuplicate(result, msg)
		return
	}

	m.mu.RLock()
	cfg, known := m.poolConfigs[mp.PoolCode]
	m.mu.RUnlock()

	if !known {
		slog.Error("unknown pool code, acking to drop message", "poolCode", mp.PoolCode, "messageId", mp.ID)
		m.raiseWarning("ROUTING", "ERROR", fmt.Sprintf("unknown pool code %q for message %s", mp.PoolCode, mp.ID), "router")
		m.tracker.Remove(pipelineKey)
		if err := msg.Ack(); err != nil {
			slog.Error("failed to ack unroutable message", "messageId", mp.ID, "error", err)
		}
		return
	}

	p := m.GetOrCreatePool(cfg)
	pointer := toPoolPointer(mp, m.tracker, pipelineKey, msg)

	if !p.Submit(pointer) {
		slog.Warn("pool rejected message, nacking", "pool", mp.PoolCode, "messageId", mp.ID)
		m.tracker.Remove(pipelineKey)
		if err := msg.NakWithDelay(delayQueueFull); err != nil {
			slog.Warn("failed to nack rejected message", "messageId", mp.ID, "error", err)
		}
	}
}

// handleDuplicate nacks a redelivered or requeued copy. For a physical
// redelivery (DuplicatePipelineKey) of a message still being processed under
// a stale receipt handle, the original tracked callback's handle is
// refreshed so its eventual ack/nack doesn't race an expired handle.
func (m *QueueManager) handleDuplicate(result tracker.TrackResult, msg queue.Message) {
	slog.Warn("duplicate delivery detected, nacking",
		"pipelineKey", result.PipelineKey,
		"requeue", result.IsRequeue())
	metrics.PoolMessagesProcessed.WithLabelValues("", "duplicate").Inc()

	if result.Outcome == tracker.DuplicatePipelineKey && result.Existing != nil {
		if existingCb, ok := result.Existing.Callback.(brokerCallback); ok {
			if updatable, ok := existingCb.msg.(queue.ReceiptHandleUpdatable); ok {
				if fresh, ok := msg.(queue.ReceiptHandleUpdatable); ok {
					updatable.UpdateReceiptHandle(fresh.GetReceiptHandle())
				}
			}
		}
	}

	if err := msg.NakWithDelay(delayDuplicate); err != nil {
		slog.Warn("failed to nack duplicate delivery", "pipelineKey", result.PipelineKey, "error", err)
	}
}

// toPoolPointer builds the pool's own MessagePointer, closing the broker
// ack/nack functions over the tracker so the pipeline entry is always
// released exactly once, regardless of which path releases it.
func toPoolPointer(mp *model.MessagePointer, t *tracker.Tracker, pipelineKey string, msg queue.Message) *pool.MessagePointer {
	return &pool.MessagePointer{
		ID:              mp.ID,
		SQSMessageID:    mp.BrokerMessageID,
		BatchID:         mp.BatchID,
		MessageGroupID:  mp.MessageGroupID,
		MediationTarget: mp.MediationTarget,
		MediationType:   string(mp.MediationType),
		AuthToken:       mp.AuthToken,
		AckFunc: func() error {
			t.Remove(pipelineKey)
			return msg.Ack()
		},
		NakFunc: func() error {
			t.Remove(pipelineKey)
			return msg.Nak()
		},
		NakDelayFunc: func(d time.Duration) error {
			t.Remove(pipelineKey)
			return msg.NakWithDelay(d)
		},
		InProgressFunc: msg.InProgress,
	}
}

// brokerCallback adapts a queue.Message to tracker.Callback (for duplicate
// nacking) and, when the broker supports it, visibilityExtender.
type brokerCallback struct {
	msg queue.Message
}

func (c brokerCallback) Nack(delay time.Duration) error {
	if delay <= 0 {
		return c.msg.Nak()
	}
	return c.msg.NakWithDelay(delay)
}

func (c brokerCallback) InProgress() error {
	return c.msg.InProgress()
}

// messageCallback implements pool.MessageCallback. It is broker-agnostic:
// every action ultimately runs through the AckFunc/NakFunc/NakDelayFunc
// closures toPoolPointer attached to the message. SetVisibilityDelay only
// records a pending delay — the following Nack call (pool.go always issues
// one after it) consumes and clears it, so the broker sees exactly one
// nack-style action per message.
type messageCallback struct {
	pendingDelay sync.Map // messageID -> time.Duration
}

func (c *messageCallback) Ack(msg *pool.MessagePointer) {
	c.pendingDelay.Delete(msg.ID)
	if err := msg.AckFunc(); err != nil {
		slog.Error("ack failed", "messageId", msg.ID, "error", err)
	}
}

func (c *messageCallback) Nack(msg *pool.MessagePointer) {
	defer c.pendingDelay.Delete(msg.ID)
	if d, ok := c.pendingDelay.Load(msg.ID); ok {
		if err := msg.NakDelayFunc(d.(time.Duration)); err != nil {
			slog.Error("nack with delay failed", "messageId", msg.ID, "error", err)
		}
		return
	}
	if err := msg.NakFunc(); err != nil {
		slog.Error("nack failed", "messageId", msg.ID, "error", err)
	}
}

func (c *messageCallback) SetVisibilityDelay(msg *pool.MessagePointer, seconds int) {
	c.pendingDelay.Store(msg.ID, time.Duration(seconds)*time.Second)
}

func (c *messageCallback) ResetVisibilityToDefault(msg *pool.MessagePointer) {
	c.pendingDelay.Delete(msg.ID)
}

// Router ties one queue.Consumer to a QueueManager, with a health-monitor
// goroutine that restarts the consume loop if polling stalls, and a
// visibility-extender goroutine for long-running in-flight messages.
type Router struct {
	consumer queue.Consumer
	manager  *QueueManager
	queueID  string

	lastActivity atomic.Int64
	restartCount atomic.Int32

	consumeCtx    context.Context
	consumeCancel context.CancelFunc
	consumeWg     sync.WaitGroup

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWg     sync.WaitGroup
}

// NewRouter creates a Router around consumer, building its own QueueManager
// from mediatorCfg.
func NewRouter(consumer queue.Consumer, mediatorCfg *mediator.HTTPMediatorConfig) *Router {
	return &Router{
		consumer: consumer,
		manager:  NewQueueManager(mediatorCfg),
		queueID:  "default",
	}
}

// Manager returns the Router's QueueManager, for Reconcile/WithWarningService.
func (r *Router) Manager() *QueueManager { return r.manager }

// Consumer returns the wrapped queue.Consumer.
func (r *Router) Consumer() queue.Consumer { return r.consumer }

// Start starts the manager, the consume loop, and the background monitors.
// It returns immediately; all the work it starts runs in goroutines.
func (r *Router) Start() error {
	r.manager.Start()

	r.bgCtx, r.bgCancel = context.WithCancel(context.Background())
	r.startConsumeLoop()

	r.bgWg.Add(2)
	go r.runHealthMonitor()
	go r.runVisibilityExtender()

	return nil
}

// Stop halts the consume loop and background monitors, then drains the
// manager.
func (r *Router) Stop(ctx context.Context) error {
	if r.bgCancel != nil {
		r.bgCancel()
	}
	if r.consumeCancel != nil {
		r.consumeCancel()
	}

	done := make(chan struct{})
	go func() {
		r.bgWg.Wait()
		r.consumeWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("router stop timed out waiting for goroutines")
	}

	if err := r.consumer.Close(); err != nil {
		slog.Error("failed to close consumer", "error", err)
	}

	r.manager.Stop()
	return nil
}

// Health reports an error if the consumer has exhausted its restart budget.
func (r *Router) Health() error {
	if r.restartCount.Load() >= maxConsumerRestarts {
		return fmt.Errorf("consumer restart budget exhausted (%d restarts)", maxConsumerRestarts)
	}
	return nil
}

func (r *Router) startConsumeLoop() {
	r.consumeCtx, r.consumeCancel = context.WithCancel(r.bgCtx)
	r.consumeWg.Add(1)
	go func(ctx context.Context) {
		defer r.consumeWg.Done()
		if err := r.consumer.Consume(ctx, r.handleMessage); err != nil && ctx.Err() == nil {
			slog.Error("consumer loop exited with error", "error", err)
		}
	}(r.consumeCtx)
}

func (r *Router) handleMessage(msg queue.Message) error {
	r.lastActivity.Store(time.Now().UnixNano())

	var mp model.MessagePointer
	if err := json.Unmarshal(msg.Data(), &mp); err != nil {
		slog.Error("malformed message body, acking", "error", err)
		return msg.Ack()
	}
	if err := mp.Validate(); err != nil {
		slog.Error("message missing required field, acking", "error", err)
		r.manager.raiseWarning("VALIDATION", "ERROR", err.Error(), "router")
		return msg.Ack()
	}
	mp.BrokerMessageID = msg.ID()

	r.manager.Route(&mp, r.queueID, msg)
	return nil
}

func (r *Router) runHealthMonitor() {
	defer r.bgWg.Done()
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.bgCtx.Done():
			return
		case <-ticker.C:
			r.checkConsumerHealth()
		}
	}
}

func (r *Router) checkConsumerHealth() {
	last := r.lastActivity.Load()
	if last == 0 {
		return
	}
	if time.Since(time.Unix(0, last)) < stallThreshold {
		return
	}

	metrics.ConsumerStallEvents.Inc()
	if r.restartCount.Load() >= maxConsumerRestarts {
		slog.Error("consumer stalled and restart budget exhausted", "restarts", r.restartCount.Load())
		r.manager.raiseWarning("CONSUMER", "CRITICAL", "consumer stalled, restart budget exhausted", "router")
		return
	}

	slog.Warn("consumer appears stalled, restarting poll loop")
	r.restartCount.Add(1)
	metrics.ConsumerRestarts.Inc()

	r.consumeCancel()
	r.consumeWg.Wait()
	r.startConsumeLoop()
}

func (r *Router) runVisibilityExtender() {
	defer r.bgWg.Done()
	ticker := time.NewTicker(visibilityExtendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.bgCtx.Done():
			return
		case <-ticker.C:
			r.manager.extendLongRunning()
		}
	}
}

// RouterService adapts a Router to lifecycle.Service.
type RouterService struct {
	router *Router
}

// NewRouterService wraps router as a lifecycle.Service.
func NewRouterService(router *Router) *RouterService {
	return &RouterService{router: router}
}

func (s *RouterService) Name() string { return "router" }

func (s *RouterService) Start(ctx context.Context) error {
	if err := s.router.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (s *RouterService) Stop(ctx context.Context) error {
	return s.router.Stop(ctx)
}

func (s *RouterService) Health() error {
	return s.router.Health()
}
