package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/aegismesh/aegis/pkg/broker"
	"github.com/aegismesh/aegis/pkg/codec"
	"github.com/aegismesh/aegis/pkg/config"
	"github.com/aegismesh/aegis/pkg/election"
	"github.com/aegismesh/aegis/pkg/errdefs"
	"github.com/aegismesh/aegis/pkg/kv"
	"github.com/aegismesh/aegis/pkg/log"
	"github.com/aegismesh/aegis/pkg/metrics"
	"github.com/aegismesh/aegis/pkg/registry"
	"github.com/aegismesh/aegis/pkg/types"
)

// Process exit codes for binaries built on the runtime.
const (
	ExitOK        = 0
	ExitConfig    = 64
	ExitRuntime   = 70
	ExitInterrupt = 130
)

const (
	connectTimeout  = 10 * time.Second
	registerTimeout = 10 * time.Second

	// kvOpTimeout bounds the registry and leader-key writes issued from the
	// heartbeat loop. It must stay well below the renewal cadence so one
	// slow write cannot starve the next renewal.
	kvOpTimeout = 2 * time.Second

	publishTimeout = 2 * time.Second
	stopOpTimeout  = 5 * time.Second

	// maxHeartbeatFailures is how many consecutive failed heartbeats the
	// runtime tolerates before it marks itself UNHEALTHY and gives up any
	// leadership it holds.
	maxHeartbeatFailures = 3
)

// Option adjusts a Runtime at construction time.
type Option func(*Runtime)

// WithBroker uses an existing broker connection instead of dialing one from
// the config. The runtime will not close it on Stop.
func WithBroker(b broker.Broker) Option {
	return func(r *Runtime) {
		r.broker = b
		r.ownBroker = false
	}
}

// WithMetricsRegistry registers the runtime's metrics on reg instead of a
// private registry.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(r *Runtime) { r.promReg = reg }
}

// WithVersion sets the version reported in the registry entry and health
// endpoints.
func WithVersion(v string) Option {
	return func(r *Runtime) { r.version = v }
}

// WithMetadata attaches free-form metadata to the registry entry and, for
// single-active services, the leader key.
func WithMetadata(md map[string]any) Option {
	return func(r *Runtime) { r.metadata = md }
}

// Runtime supervises one service instance: broker connection, registration
// and heartbeats, optional leader election, and the RPC, event, and command
// handlers registered before Start.
//
// The zero value is not usable; construct with New, register handlers, then
// Start. Stop tears everything down in reverse order and drains in-flight
// handlers within the configured budget.
type Runtime struct {
	cfg        *config.Config
	service    types.ServiceName
	instanceID types.InstanceID
	version    string
	metadata   map[string]any
	codec      codec.Codec
	logger     zerolog.Logger

	broker    broker.Broker
	ownBroker bool

	regStore    *kv.Store
	registry    *registry.Registry
	electStore  *kv.Store
	coordinator *election.Coordinator

	promReg   *prometheus.Registry
	metrics   *metrics.Metrics
	health    *metrics.Health
	collector *metrics.Collector

	rpcs     map[types.MethodName]*rpcEndpoint
	events   map[string]*eventBinding
	commands map[types.MethodName]*commandBinding

	// regMu serializes every registry write for this instance so status
	// updates and heartbeats never interleave, which keeps last_heartbeat
	// monotonic.
	regMu sync.Mutex
	self  *types.ServiceInstance

	// hbFailures and unhealthy are owned by the heartbeat loop.
	hbFailures int
	unhealthy  bool

	mu      sync.Mutex
	started bool
	stopped bool

	stopFlag atomic.Bool
	inflight sync.WaitGroup
	tasks    sync.WaitGroup

	// handlerCtx is handed to user handlers; it is canceled only once the
	// drain budget is spent.
	handlerCtx    context.Context
	handlerCancel context.CancelFunc

	runCtx         context.Context
	runCancel      context.CancelFunc
	electionCtx    context.Context
	electionCancel context.CancelFunc
	electionDone   <-chan struct{}
}

// New validates cfg and builds an unstarted Runtime. An empty instance_id is
// defaulted to a random one before validation.
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config must not be nil", errdefs.ErrConfig)
	}
	cc := *cfg
	if cc.InstanceID == "" {
		cc.InstanceID = types.NewRandomInstanceID().String()
	}
	if err := cc.Validate(); err != nil {
		return nil, err
	}

	r := &Runtime{
		cfg:        &cc,
		service:    types.ServiceName(cc.ServiceName),
		instanceID: types.InstanceID(cc.InstanceID),
		version:    "0.0.0",
		codec:      cc.Codec(),
		ownBroker:  true,
		rpcs:       make(map[types.MethodName]*rpcEndpoint),
		events:     make(map[string]*eventBinding),
		commands:   make(map[types.MethodName]*commandBinding),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.logger = log.WithInstance(cc.ServiceName, cc.InstanceID)
	r.metrics = metrics.New(r.promReg)
	r.health = metrics.NewHealth(r.version)

	if r.broker == nil {
		b, err := broker.New(broker.Options{
			URL:  cc.BrokerURL,
			Name: fmt.Sprintf("%s-%s", cc.ServiceName, cc.InstanceID),
			OnDisconnect: func(err error) {
				r.health.SetComponent("broker", false, "disconnected")
			},
			OnReconnect: func() {
				r.metrics.BrokerReconnects.Inc()
				r.health.SetComponent("broker", true, "")
			},
		})
		if err != nil {
			return nil, err
		}
		r.broker = b
	}
	return r, nil
}

// Start connects, registers the instance, opens every subscription and
// consumer, and launches the supervised background loops. Calling Start on a
// running Runtime is a no-op.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	if r.stopped {
		return fmt.Errorf("runtime cannot be restarted: %w", errdefs.ErrClosed)
	}

	r.logger.Info().
		Str("broker_url", r.cfg.BrokerURL).
		Str("group", r.cfg.Group).
		Msg("Starting service runtime")

	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	err := r.broker.Connect(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	r.health.SetComponent("broker", true, "")

	if err := r.openStores(ctx); err != nil {
		r.unwindStart()
		return err
	}
	if err := r.registerInstance(ctx); err != nil {
		r.unwindStart()
		return err
	}
	r.health.SetComponent("registry", true, "")

	r.handlerCtx, r.handlerCancel = context.WithCancel(context.Background())
	r.runCtx, r.runCancel = context.WithCancel(context.Background())
	r.electionCtx, r.electionCancel = context.WithCancel(context.Background())

	if err := r.subscribeHandlers(); err != nil {
		r.unwindStart()
		return err
	}
	if err := r.startCommandConsumers(); err != nil {
		r.unwindStart()
		return err
	}

	r.supervise(r.runCtx, "heartbeat", r.heartbeatLoop)
	if r.coordinator != nil {
		r.electionDone = r.supervise(r.electionCtx, "election", r.coordinator.Run)
		r.health.SetComponent("election", true, "standby")
	}

	r.collector = metrics.NewCollector(r.registry, r.metrics, 0)
	r.collector.Start()

	r.emitLifecycle("started", nil)
	r.started = true
	r.logger.Info().Msg("Service runtime started")
	return nil
}

// unwindStart tears down whatever a failed Start managed to build.
func (r *Runtime) unwindStart() {
	if r.handlerCancel != nil {
		r.handlerCancel()
	}
	if r.runCancel != nil {
		r.runCancel()
	}
	if r.electionCancel != nil {
		r.electionCancel()
	}
	r.stopCommandConsumers()
	r.unsubscribeHandlers()
	if r.electStore != nil {
		r.electStore.Close()
	}
	if r.regStore != nil {
		r.regStore.Close()
	}
	if r.ownBroker {
		ctx, cancel := context.WithTimeout(context.Background(), stopOpTimeout)
		defer cancel()
		_ = r.broker.Close(ctx)
	}
}

func (r *Runtime) openStores(ctx context.Context) error {
	regBucket, err := r.broker.KeyValue(ctx, broker.BucketConfig{
		Name: registry.BucketName,
		TTL:  r.cfg.RegistryTTL(),
	})
	if err != nil {
		return fmt.Errorf("failed to open registry bucket: %w", err)
	}
	r.regStore = kv.New(regBucket, kv.Options{BucketTTL: r.cfg.RegistryTTL(), Codec: r.codec})
	r.registry = registry.New(r.regStore, r.cfg.RegistryTTL())

	if r.cfg.Group == "" {
		return nil
	}

	policy := r.cfg.Policy()
	leaderBucket, err := r.broker.KeyValue(ctx, broker.BucketConfig{
		Name: election.BucketName,
		TTL:  policy.LeaderTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to open election bucket: %w", err)
	}
	r.electStore = kv.New(leaderBucket, kv.Options{BucketTTL: policy.LeaderTTL, Codec: r.codec})

	coord, err := election.New(r.electStore, election.Config{
		Service:          r.service,
		Group:            r.cfg.Group,
		Instance:         r.instanceID,
		Metadata:         r.metadata,
		Policy:           policy,
		OnElected:        r.onElected,
		OnLeadershipLost: r.onLeadershipLost,
		OnTransition:     r.onTransition,
	})
	if err != nil {
		return fmt.Errorf("failed to build election coordinator: %w", err)
	}
	r.coordinator = coord
	return nil
}

func (r *Runtime) registerInstance(ctx context.Context) error {
	inst := &types.ServiceInstance{
		ServiceName: r.service,
		InstanceID:  r.instanceID,
		Version:     r.version,
		Status:      types.StatusActive,
		Metadata:    r.metadata,
	}
	if r.cfg.Group != "" {
		inst.Status = types.StatusStandby
		inst.StickyActiveGroup = r.cfg.Group
		inst.StickyActiveStatus = types.StickyStatusPtr(types.StickyStandby)
	}

	rctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	err := r.registry.Register(rctx, inst)
	if errdefs.IsAlreadyExists(err) {
		// A restart that reuses the instance id reclaims its entry, keeping
		// the original registration time.
		existing, gerr := r.registry.GetInstance(rctx, r.service, r.instanceID)
		if gerr == nil && existing != nil {
			inst.RegisteredAt = existing.RegisteredAt
		}
		inst.LastHeartbeat = time.Now().UTC()
		err = r.registry.UpdateInstance(rctx, inst)
	}
	if err != nil {
		return fmt.Errorf("failed to register instance: %w", err)
	}

	r.regMu.Lock()
	r.self = inst
	r.regMu.Unlock()
	return nil
}

// Stop deregisters and shuts the runtime down: renewal schedules first, then
// leadership, the registry entry, subscriptions, and finally in-flight
// handlers within the drain budget. Stop on a stopped Runtime is a no-op.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	r.mu.Unlock()
	r.stopFlag.Store(true)

	r.logger.Info().Msg("Stopping service runtime")

	// Freeze the schedules before touching the keys they defend.
	r.runCancel()
	r.collector.Stop()

	if r.coordinator != nil {
		// The election loop must be gone before the key is released or it
		// would see the vacancy and contend for it again.
		r.electionCancel()
		<-r.electionDone
		rctx, cancel := context.WithTimeout(context.Background(), stopOpTimeout)
		if err := r.coordinator.Release(rctx); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to release leadership")
		}
		cancel()
	}

	dctx, cancel := context.WithTimeout(context.Background(), stopOpTimeout)
	if err := r.registry.Deregister(dctx, r.service, r.instanceID); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to deregister instance")
	}
	cancel()

	r.unsubscribeHandlers()
	r.stopCommandConsumers()
	r.drainHandlers()

	r.emitLifecycle("stopped", nil)

	r.tasks.Wait()
	if r.electStore != nil {
		r.electStore.Close()
	}
	r.regStore.Close()

	if r.ownBroker {
		if err := r.broker.Close(ctx); err != nil {
			return fmt.Errorf("failed to close broker: %w", err)
		}
	}
	r.logger.Info().Msg("Service runtime stopped")
	return nil
}

// drainHandlers waits for in-flight handlers up to the drain budget, then
// cancels the handler context and moves on.
func (r *Runtime) drainHandlers() {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.cfg.DrainTimeout()):
		r.logger.Warn().
			Dur("drain_timeout", r.cfg.DrainTimeout()).
			Msg("Drain budget spent, abandoning in-flight handlers")
	}
	r.handlerCancel()
}

func (r *Runtime) stopping() bool { return r.stopFlag.Load() }

// heartbeatLoop is the single supervised schedule for this instance: registry
// heartbeats on every tick, leader-key renewals on the second ticker when the
// service runs elections.
func (r *Runtime) heartbeatLoop(ctx context.Context) error {
	hb := time.NewTicker(r.cfg.HeartbeatInterval())
	defer hb.Stop()

	var renewC <-chan time.Time
	if r.coordinator != nil {
		renew := time.NewTicker(r.cfg.Policy().RenewInterval)
		defer renew.Stop()
		renewC = renew.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hb.C:
			r.heartbeatOnce(ctx)
		case <-renewC:
			r.renewOnce(ctx)
		}
	}
}

func (r *Runtime) heartbeatOnce(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, kvOpTimeout)
	defer cancel()

	r.regMu.Lock()
	err := r.registry.Heartbeat(ctx, r.service, r.instanceID)
	r.regMu.Unlock()

	switch {
	case err == nil:
		r.metrics.Heartbeats.WithLabelValues("ok").Inc()
	case errdefs.IsNotFound(err):
		// The entry outlived its TTL, usually after an outage. Re-register
		// instead of counting a plain failure.
		r.metrics.Heartbeats.WithLabelValues("expired").Inc()
		err = r.reregister(ctx)
	default:
		r.metrics.Heartbeats.WithLabelValues("error").Inc()
	}

	if err != nil {
		r.hbFailures++
		r.logger.Warn().Err(err).Int("consecutive_failures", r.hbFailures).Msg("Registry heartbeat failed")
		if r.hbFailures == maxHeartbeatFailures {
			r.degrade(parent)
		}
		return
	}

	r.hbFailures = 0
	r.health.SetComponent("registry", true, "")
	if r.unhealthy {
		r.recoverHealthy(parent)
	}
}

// renewOnce extends the leader key. Loss detection and the re-election nudge
// live in the coordinator.
func (r *Runtime) renewOnce(parent context.Context) {
	if r.coordinator == nil || !r.coordinator.IsLeader() {
		return
	}
	ctx, cancel := context.WithTimeout(parent, kvOpTimeout)
	defer cancel()
	_ = r.coordinator.Renew(ctx)
}

// reregister restores an expired registry entry, preserving the original
// registration time.
func (r *Runtime) reregister(ctx context.Context) error {
	r.regMu.Lock()
	defer r.regMu.Unlock()

	inst := r.self.Clone()
	r.stampRole(inst)
	inst.LastHeartbeat = time.Now().UTC()

	err := r.registry.Register(ctx, inst)
	if errdefs.IsAlreadyExists(err) {
		err = r.registry.UpdateInstance(ctx, inst)
	}
	if err != nil {
		return err
	}
	r.self = inst
	r.logger.Info().Msg("Instance re-registered after registry entry expiry")
	return nil
}

// degrade runs after maxHeartbeatFailures consecutive failures: the instance
// reports UNHEALTHY and gives up any leadership it cannot defend anyway.
// The election loop keeps running so the instance contends again once the
// store recovers.
func (r *Runtime) degrade(parent context.Context) {
	r.unhealthy = true
	r.logger.Error().
		Int("consecutive_failures", r.hbFailures).
		Msg("Heartbeats failing, marking instance UNHEALTHY")
	r.health.SetComponent("registry", false, "heartbeats failing")

	ctx, cancel := context.WithTimeout(parent, stopOpTimeout)
	defer cancel()
	if err := r.applyStatus(ctx, func(inst *types.ServiceInstance) {
		inst.Status = types.StatusUnhealthy
	}); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to record UNHEALTHY status")
	}

	if r.coordinator != nil && r.coordinator.IsLeader() {
		if err := r.coordinator.Release(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to release leadership while unhealthy")
		}
	}
	r.emitLifecycle("unhealthy", map[string]any{"reason": "heartbeat failures"})
}

// recoverHealthy runs on the first successful heartbeat after a degrade.
func (r *Runtime) recoverHealthy(parent context.Context) {
	r.unhealthy = false
	ctx, cancel := context.WithTimeout(parent, kvOpTimeout)
	defer cancel()
	if err := r.applyStatus(ctx, r.stampRole); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to restore status after recovery")
		return
	}
	r.logger.Info().Msg("Instance recovered, heartbeats healthy again")
}

// stampRole sets Status and StickyActiveStatus from the current election
// role.
func (r *Runtime) stampRole(inst *types.ServiceInstance) {
	if r.coordinator == nil {
		inst.Status = types.StatusActive
		inst.StickyActiveStatus = nil
		return
	}
	if r.coordinator.IsLeader() {
		inst.Status = types.StatusActive
		inst.StickyActiveStatus = types.StickyStatusPtr(types.StickyActive)
	} else {
		inst.Status = types.StatusStandby
		inst.StickyActiveStatus = types.StickyStatusPtr(types.StickyStandby)
	}
}

// applyStatus rewrites this instance's registry entry through mutate. Every
// write stamps a fresh last_heartbeat and goes through regMu, so heartbeats
// and status updates never interleave on the wire.
func (r *Runtime) applyStatus(ctx context.Context, mutate func(*types.ServiceInstance)) error {
	r.regMu.Lock()
	defer r.regMu.Unlock()
	if r.self == nil {
		return fmt.Errorf("instance is not registered: %w", errdefs.ErrInvalid)
	}

	inst := r.self.Clone()
	mutate(inst)
	inst.LastHeartbeat = time.Now().UTC()

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = r.registry.UpdateInstance(ctx, inst)
		if err == nil || !errdefs.IsRevisionMismatch(err) {
			break
		}
	}
	if errdefs.IsNotFound(err) {
		err = r.registry.Register(ctx, inst)
	}
	if err != nil {
		return err
	}
	r.self = inst
	return nil
}

func (r *Runtime) onElected(info types.LeaderInfo) {
	r.metrics.Leader.WithLabelValues(r.cfg.Group).Set(1)
	r.health.SetComponent("election", true, "active")

	ctx, cancel := context.WithTimeout(context.Background(), kvOpTimeout)
	defer cancel()
	if err := r.applyStatus(ctx, func(inst *types.ServiceInstance) {
		inst.Status = types.StatusActive
		inst.StickyActiveStatus = types.StickyStatusPtr(types.StickyActive)
	}); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to record ACTIVE status")
	}

	r.emitLifecycle("elected", map[string]any{"group": r.cfg.Group})
	r.logger.Info().
		Str("group", r.cfg.Group).
		Time("acquired_at", info.AcquiredAt).
		Msg("Instance is now ACTIVE")
}

func (r *Runtime) onLeadershipLost(reason election.LostReason) {
	r.metrics.Leader.WithLabelValues(r.cfg.Group).Set(0)
	r.health.SetComponent("election", true, "standby")

	if !r.stopping() {
		ctx, cancel := context.WithTimeout(context.Background(), kvOpTimeout)
		defer cancel()
		if err := r.applyStatus(ctx, func(inst *types.ServiceInstance) {
			inst.Status = types.StatusStandby
			inst.StickyActiveStatus = types.StickyStatusPtr(types.StickyStandby)
		}); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to record STANDBY status")
		}
	}

	r.emitLifecycle("leadership_lost", map[string]any{
		"group":  r.cfg.Group,
		"reason": string(reason),
	})
	r.logger.Warn().
		Str("group", r.cfg.Group).
		Str("reason", string(reason)).
		Msg("Instance lost leadership, now STANDBY")
}

func (r *Runtime) onTransition(from, to election.State) {
	r.metrics.ElectionTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// emitLifecycle publishes an events.aegis.service.<action> event. Failures
// are logged and dropped; lifecycle events are advisory.
func (r *Runtime) emitLifecycle(action string, extra map[string]any) {
	payload := map[string]any{
		"service":  r.service.String(),
		"instance": r.instanceID.String(),
	}
	for k, v := range extra {
		payload[k] = v
	}
	ev := types.NewEvent(types.EventType(broker.LifecyclePrefix+"."+action), payload, r.instanceID.String())

	data, err := r.codec.Marshal(ev)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to encode lifecycle event")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.broker.Publish(ctx, broker.LifecycleSubject(action), data); err != nil {
		r.logger.Debug().Err(err).Str("action", action).Msg("Failed to publish lifecycle event")
		return
	}
	r.metrics.EventsPublished.WithLabelValues("aegis").Inc()
}

// PublishEvent publishes a domain event from this instance.
func (r *Runtime) PublishEvent(ctx context.Context, eventType string, payload map[string]any) error {
	t, err := types.NewEventType(eventType)
	if err != nil {
		return err
	}
	ev := types.NewEvent(t, payload, r.instanceID.String())
	data, err := r.codec.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", eventType, err)
	}
	if err := r.broker.Publish(ctx, broker.EventSubject(t), data); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", eventType, err)
	}
	r.metrics.EventsPublished.WithLabelValues(t.Domain()).Inc()
	return nil
}

// IsActive reports whether this instance may serve exclusive methods: always
// true for services without an election group, otherwise true only for the
// current leader.
func (r *Runtime) IsActive() bool {
	if r.coordinator == nil {
		return true
	}
	return r.coordinator.IsLeader()
}

// Leader returns the current leader of this service's group, or (nil, nil)
// when the key is vacant.
func (r *Runtime) Leader(ctx context.Context) (*types.LeaderInfo, error) {
	if r.coordinator == nil {
		return nil, fmt.Errorf("service has no election group: %w", errdefs.ErrInvalid)
	}
	return r.coordinator.Leader(ctx)
}

// ServiceName returns the configured service name.
func (r *Runtime) ServiceName() types.ServiceName { return r.service }

// InstanceID returns this instance's id.
func (r *Runtime) InstanceID() types.InstanceID { return r.instanceID }

// Registry exposes the service registry for discovery queries.
func (r *Runtime) Registry() *registry.Registry { return r.registry }

// Broker exposes the underlying connection, for callers that publish or
// subscribe outside the runtime's handler surface.
func (r *Runtime) Broker() broker.Broker { return r.broker }

// Metrics returns this runtime's metrics sink.
func (r *Runtime) Metrics() *metrics.Metrics { return r.metrics }

// Health returns this runtime's health tracker, ready to serve /health,
// /ready and /live.
func (r *Runtime) Health() *metrics.Health { return r.health }
