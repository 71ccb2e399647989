package framework

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aegismesh/aegis/pkg/broker"
	"github.com/aegismesh/aegis/pkg/codec"
	"github.com/aegismesh/aegis/pkg/config"
	"github.com/aegismesh/aegis/pkg/election"
	"github.com/aegismesh/aegis/pkg/kv"
	"github.com/aegismesh/aegis/pkg/registry"
	"github.com/aegismesh/aegis/pkg/service"
	"github.com/aegismesh/aegis/pkg/types"
)

// ClusterConfig describes a coordination test cluster: one shared
// in-process broker and Contenders runtimes of a single service, each
// behind its own killable facade.
type ClusterConfig struct {
	Service    string
	Group      string
	Contenders int

	// FailoverMode selects the election policy preset. Defaults to
	// aggressive so scenarios converge quickly.
	FailoverMode config.FailoverMode

	// RegistryTTLSeconds and HeartbeatIntervalSeconds tune liveness
	// bookkeeping. Zero takes the test defaults (2s TTL, 1s beats).
	RegistryTTLSeconds       int
	HeartbeatIntervalSeconds int

	// Configure, when set, customizes each member before it starts.
	// Handlers must be registered here since registration closes at
	// Start.
	Configure func(i int, rt *service.Runtime) error
}

// DefaultClusterConfig returns a two-contender cluster with fast
// liveness settings.
func DefaultClusterConfig(svc, group string) ClusterConfig {
	return ClusterConfig{
		Service:      svc,
		Group:        group,
		Contenders:   2,
		FailoverMode: config.FailoverAggressive,
	}
}

// Member is one contender: a runtime bound to its own killable facade.
type Member struct {
	Runtime *service.Runtime
	Broker  *KillableBroker
}

// ID returns the member's instance ID.
func (m *Member) ID() types.InstanceID { return m.Runtime.InstanceID() }

// Cluster wires contender runtimes over one shared in-process broker.
// Observation helpers read through their own views of the registry and
// leader buckets so assertions never depend on a member's facade.
type Cluster struct {
	Bus     *broker.MemoryBroker
	Members []*Member

	cfg    ClusterConfig
	policy config.FailoverPolicy

	regOnce  sync.Once
	regStore *kv.Store
	reg      *registry.Registry
	regErr   error

	leadOnce  sync.Once
	leadStore *kv.Store
	leadErr   error
}

// NewCluster builds the shared broker and the contender runtimes. Nothing
// is started yet.
func NewCluster(cfg ClusterConfig) (*Cluster, error) {
	if cfg.Contenders <= 0 {
		return nil, fmt.Errorf("cluster needs at least one contender, got %d", cfg.Contenders)
	}
	if cfg.RegistryTTLSeconds == 0 {
		cfg.RegistryTTLSeconds = 2
	}
	if cfg.HeartbeatIntervalSeconds == 0 {
		cfg.HeartbeatIntervalSeconds = 1
	}
	if cfg.FailoverMode == "" {
		cfg.FailoverMode = config.FailoverAggressive
	}

	bus := broker.NewMemoryBroker()
	if err := bus.Connect(context.Background()); err != nil {
		return nil, err
	}

	c := &Cluster{Bus: bus, cfg: cfg}
	for i := 0; i < cfg.Contenders; i++ {
		m, err := c.newMember(i)
		if err != nil {
			_ = bus.Close(context.Background())
			return nil, err
		}
		c.Members = append(c.Members, m)
	}
	return c, nil
}

func (c *Cluster) newMember(i int) (*Member, error) {
	memberCfg := &config.Config{
		BrokerURL:                "memory://",
		ServiceName:              c.cfg.Service,
		InstanceID:               fmt.Sprintf("%s-%d", c.cfg.Service, i+1),
		Group:                    c.cfg.Group,
		RegistryTTLSeconds:       c.cfg.RegistryTTLSeconds,
		HeartbeatIntervalSeconds: c.cfg.HeartbeatIntervalSeconds,
		DrainTimeoutSeconds:      1,
		FailoverMode:             c.cfg.FailoverMode,
		Serialization:            codec.NameMsgpack,
	}
	c.policy = memberCfg.Policy()

	facade := NewKillableBroker(c.Bus)
	rt, err := service.New(memberCfg, service.WithBroker(facade))
	if err != nil {
		return nil, fmt.Errorf("failed to build member %d: %w", i+1, err)
	}
	if c.cfg.Configure != nil {
		if err := c.cfg.Configure(i, rt); err != nil {
			return nil, fmt.Errorf("failed to configure member %d: %w", i+1, err)
		}
	}
	return &Member{Runtime: rt, Broker: facade}, nil
}

// Start launches every member.
func (c *Cluster) Start(ctx context.Context) error {
	for i, m := range c.Members {
		if err := m.Runtime.Start(ctx); err != nil {
			return fmt.Errorf("failed to start member %d: %w", i+1, err)
		}
	}
	return nil
}

// Stop stops every member and closes the shared broker. Stop errors from
// killed members are expected and ignored.
func (c *Cluster) Stop(ctx context.Context) {
	for _, m := range c.Members {
		_ = m.Runtime.Stop(ctx)
	}
	if c.regStore != nil {
		c.regStore.Close()
	}
	if c.leadStore != nil {
		c.leadStore.Close()
	}
	_ = c.Bus.Close(ctx)
}

// Kill severs member i's facade without any graceful shutdown. Its
// leadership and registration decay by TTL as a crashed process's would.
func (c *Cluster) Kill(i int) { c.Members[i].Broker.Kill() }

// KillInstance severs the member with the given instance ID. Returns
// false when no member matches.
func (c *Cluster) KillInstance(id types.InstanceID) bool {
	for _, m := range c.Members {
		if m.ID() == id {
			m.Broker.Kill()
			return true
		}
	}
	return false
}

// Member returns the member with the given instance ID, or nil.
func (c *Cluster) Member(id types.InstanceID) *Member {
	for _, m := range c.Members {
		if m.ID() == id {
			return m
		}
	}
	return nil
}

// ActiveMember returns the surviving member that currently reports itself
// active, or nil when none does.
func (c *Cluster) ActiveMember() *Member {
	for _, m := range c.Members {
		if m.Broker.Alive() && m.Runtime.IsActive() {
			return m
		}
	}
	return nil
}

// Registry returns a lazily opened independent read path into the service
// registry, bypassing every member facade.
func (c *Cluster) Registry(ctx context.Context) (*registry.Registry, error) {
	c.regOnce.Do(func() {
		ttl := time.Duration(c.cfg.RegistryTTLSeconds) * time.Second
		bucket, err := c.Bus.KeyValue(ctx, broker.BucketConfig{Name: registry.BucketName, TTL: ttl})
		if err != nil {
			c.regErr = err
			return
		}
		c.regStore = kv.New(bucket, kv.Options{BucketTTL: ttl})
		c.reg = registry.New(c.regStore, ttl)
	})
	return c.reg, c.regErr
}

// ActiveInstances lists the instance IDs whose live registry entries hold
// the sticky-active role in the cluster's group.
func (c *Cluster) ActiveInstances(ctx context.Context) ([]types.InstanceID, error) {
	reg, err := c.Registry(ctx)
	if err != nil {
		return nil, err
	}
	instances, err := reg.ListInstances(ctx, types.ServiceName(c.cfg.Service))
	if err != nil {
		return nil, err
	}
	var active []types.InstanceID
	for _, inst := range instances {
		if inst.StickyActiveGroup == c.cfg.Group && inst.IsStickyActive() {
			active = append(active, inst.InstanceID)
		}
	}
	return active, nil
}

// Leader reads the current leader record for the cluster's group through
// an independent view, or nil when the key is vacant.
func (c *Cluster) Leader(ctx context.Context) (*types.LeaderInfo, error) {
	c.leadOnce.Do(func() {
		bucket, err := c.Bus.KeyValue(ctx, broker.BucketConfig{
			Name: election.BucketName,
			TTL:  c.policy.LeaderTTL,
		})
		if err != nil {
			c.leadErr = err
			return
		}
		c.leadStore = kv.New(bucket, kv.Options{BucketTTL: c.policy.LeaderTTL})
	})
	if c.leadErr != nil {
		return nil, c.leadErr
	}
	return election.CurrentLeader(ctx, c.leadStore, types.ServiceName(c.cfg.Service), c.cfg.Group)
}

// Policy returns the failover policy the members run with, for deriving
// scenario timeouts.
func (c *Cluster) Policy() config.FailoverPolicy { return c.policy }

// FailoverBudget is the longest a vacancy may last before a surviving
// contender must hold the leadership: the leader TTL, the maximum
// election delay, and the campaign budget end to end.
func (c *Cluster) FailoverBudget() time.Duration {
	return c.policy.LeaderTTL + c.policy.ElectionDelayMax + c.policy.MaxElectionTime
}

// Service returns the cluster's service name.
func (c *Cluster) Service() types.ServiceName { return types.ServiceName(c.cfg.Service) }

// Group returns the sticky-active group the members contend in.
func (c *Cluster) Group() string { return c.cfg.Group }
