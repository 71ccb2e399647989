package election

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegismesh/aegis/pkg/config"
	"github.com/aegismesh/aegis/pkg/errdefs"
	"github.com/aegismesh/aegis/pkg/kv"
	"github.com/aegismesh/aegis/pkg/log"
	"github.com/aegismesh/aegis/pkg/types"
)

const (
	// BucketName is the KV bucket holding leader keys. Create it with TTL
	// equal to the policy's LeaderTTL: an unrenewed key must vanish on its
	// own so standbys can take over.
	BucketName = "sticky-active"

	keyPrefix = "sticky-active"

	// campaignRetryPause spaces out attempts while the store is unreachable
	// during a campaign.
	campaignRetryPause = 250 * time.Millisecond
)

// State of a Coordinator for one (service, group).
type State string

const (
	StateIdle        State = "idle"
	StateCampaigning State = "campaigning"
	StateElected     State = "elected"
	StateFailed      State = "failed"
)

// LostReason tells OnLeadershipLost why leadership went away.
type LostReason string

const (
	// ReasonExpired means the leader key vanished, normally because
	// renewals stopped long enough for the TTL to fire.
	ReasonExpired LostReason = "expired"
	// ReasonReplaced means another writer took over the leader key.
	ReasonReplaced LostReason = "replaced"
	// ReasonReleased means leadership was given up voluntarily.
	ReasonReleased LostReason = "released"
	// ReasonTransport means too many consecutive renewal failures; the key
	// may still exist but can no longer be defended.
	ReasonTransport LostReason = "transport"
)

// LeaderKey returns the KV key guarding leadership of (service, group).
func LeaderKey(service types.ServiceName, group string) string {
	return fmt.Sprintf("%s.%s.%s.leader", keyPrefix, service, group)
}

// CurrentLeader reads the leader key, returning (nil, nil) when the group
// has no leader.
func CurrentLeader(ctx context.Context, store *kv.Store, service types.ServiceName, group string) (*types.LeaderInfo, error) {
	var info types.LeaderInfo
	entry, err := store.GetValue(ctx, LeaderKey(service, group), &info)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	return &info, nil
}

// Config wires one Coordinator.
//
// Callbacks run synchronously inside the coordinator's transition path and
// are awaited before State and IsLeader report the change. They must not
// call AttemptLeadership, Renew, or Release, which would deadlock.
type Config struct {
	Service  types.ServiceName
	Group    string
	Instance types.InstanceID
	Metadata map[string]any
	Policy   config.FailoverPolicy

	OnElected        func(info types.LeaderInfo)
	OnLeadershipLost func(reason LostReason)
	// OnTransition observes every state change, for metrics.
	OnTransition func(from, to State)
}

// Coordinator guarantees at most one ACTIVE instance per (service, group).
// Leadership is a TTL'd KV entry: whoever created it defends it with CAS
// renewals, everyone else watches for the key to vanish and then contends.
//
// Run drives contention and watch-driven failover. The holder defends the
// key by calling Renew every Policy.RenewInterval; the service runtime folds
// that schedule into its heartbeat loop. AttemptLeadership, Renew, and
// Release serialize on one internal mutex, so renewals for a group never
// overlap.
type Coordinator struct {
	cfg    Config
	store  *kv.Store
	key    string
	logger zerolog.Logger

	// recontend carries at most one pending election nudge from a lost
	// renewal to the Run loop.
	recontend chan struct{}

	// opMu serializes every leader-key write and the resulting callbacks.
	opMu sync.Mutex

	mu         sync.Mutex
	state      State
	revision   uint64
	acquiredAt time.Time
	failures   int
}

// New validates cfg and returns an idle Coordinator. A zero Policy defaults
// to the balanced preset.
func New(store *kv.Store, cfg Config) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("store must not be nil: %w", errdefs.ErrInvalid)
	}
	if err := cfg.Service.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Instance.Validate(); err != nil {
		return nil, err
	}
	if cfg.Group == "" {
		return nil, fmt.Errorf("group must not be empty: %w", errdefs.ErrInvalid)
	}
	if strings.ContainsAny(cfg.Group, ".*> \t") {
		return nil, fmt.Errorf("group %q must be a single subject token: %w", cfg.Group, errdefs.ErrInvalid)
	}
	if cfg.Policy == (config.FailoverPolicy{}) {
		cfg.Policy = config.PolicyForMode(config.FailoverBalanced)
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{
		cfg:       cfg,
		store:     store,
		key:       LeaderKey(cfg.Service, cfg.Group),
		logger:    log.WithGroup(string(cfg.Service), cfg.Group),
		recontend: make(chan struct{}, 1),
		state:     StateIdle,
	}, nil
}

// State returns the current election state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsLeader reports whether this instance holds the leader key.
func (c *Coordinator) IsLeader() bool { return c.State() == StateElected }

// Key returns the leader key this coordinator contends for.
func (c *Coordinator) Key() string { return c.key }

// Leader reads the current leader entry, ours or not.
func (c *Coordinator) Leader(ctx context.Context) (*types.LeaderInfo, error) {
	return CurrentLeader(ctx, c.store, c.cfg.Service, c.cfg.Group)
}

// AttemptLeadership makes one pass at acquiring the leader key:
//
//  1. A key naming us is extended in place. Sticky: a restarted instance
//     that reuses its id resumes leadership without an election.
//  2. A key naming someone else means a live leader; return false.
//  3. A vacant key is contended with a create-only write; losing the race
//     returns false.
//
// Errors are transport problems; false with a nil error is a normal loss.
func (c *Coordinator) AttemptLeadership(ctx context.Context) (bool, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	var held types.LeaderInfo
	entry, err := c.store.GetValue(ctx, c.key, &held)
	if err != nil {
		return false, fmt.Errorf("failed to read leader key: %w", err)
	}

	if entry != nil {
		if held.InstanceID != c.cfg.Instance {
			return false, nil
		}
		info := c.leaderInfo(held.AcquiredAt)
		rev, err := c.store.PutValue(ctx, c.key, &info,
			kv.PutOptions{Revision: entry.Revision, TTL: c.cfg.Policy.LeaderTTL})
		if err != nil {
			if errdefs.IsRevisionMismatch(err) {
				return false, nil
			}
			return false, fmt.Errorf("failed to extend leader key: %w", err)
		}
		c.becomeLeader(info, rev)
		return true, nil
	}

	info := c.leaderInfo(time.Now().UTC())
	rev, err := c.store.PutValue(ctx, c.key, &info,
		kv.PutOptions{CreateOnly: true, TTL: c.cfg.Policy.LeaderTTL})
	if err != nil {
		if errdefs.IsAlreadyExists(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create leader key: %w", err)
	}
	c.becomeLeader(info, rev)
	return true, nil
}

// Renew extends the leader key's TTL with a CAS write. A revision mismatch
// or vanished key means the key is no longer ours: leadership is lost
// immediately. Transport errors are tolerated up to Policy.MaxFailures
// consecutive renewals, then leadership is surrendered locally; the key, if
// it survives, expires on its own.
//
// Renew on a non-leader is a no-op.
func (c *Coordinator) Renew(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state != StateElected {
		c.mu.Unlock()
		return nil
	}
	revision := c.revision
	acquiredAt := c.acquiredAt
	c.mu.Unlock()

	info := c.leaderInfo(acquiredAt)
	rev, err := c.store.PutValue(ctx, c.key, &info,
		kv.PutOptions{Revision: revision, TTL: c.cfg.Policy.LeaderTTL})
	if err == nil {
		c.mu.Lock()
		c.revision = rev
		c.failures = 0
		c.mu.Unlock()
		return nil
	}

	if errdefs.IsRevisionMismatch(err) || errdefs.IsNotFound(err) {
		reason := c.probeLossReason(ctx)
		c.logger.Warn().Str("reason", string(reason)).Msg("Leader key no longer ours")
		c.loseLeadership(reason)
		c.scheduleElection()
		return fmt.Errorf("leader key no longer ours: %w", errdefs.ErrLeadershipLost)
	}

	c.mu.Lock()
	c.failures++
	failures := c.failures
	c.mu.Unlock()
	if failures >= c.cfg.Policy.MaxFailures {
		c.logger.Warn().Int("failures", failures).Msg("Giving up leadership after renewal failures")
		c.loseLeadership(ReasonTransport)
		c.scheduleElection()
		return fmt.Errorf("renewal failed %d consecutive times: %w", failures, errdefs.ErrLeadershipLost)
	}
	c.logger.Warn().Err(err).Int("failures", failures).Msg("Leader renewal failed, still holding")
	return fmt.Errorf("failed to renew leadership: %w", err)
}

// Release gives up leadership voluntarily. The key is CAS-deleted at our
// last revision so a takeover that already happened is never clobbered.
// Standbys watching the key see the delete and elect a successor without
// waiting out the TTL. Release on a non-leader is a no-op.
//
// A coordinator whose own Run loop is still active sees the vacancy too and
// contends again; cancel Run first for a permanent step-down.
func (c *Coordinator) Release(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state != StateElected {
		c.mu.Unlock()
		return nil
	}
	revision := c.revision
	c.mu.Unlock()

	err := c.store.Delete(ctx, c.key, revision)
	if err != nil && !errdefs.IsRevisionMismatch(err) && !errdefs.IsNotFound(err) {
		// Could not confirm the delete. Step down locally anyway; the key
		// expires by TTL.
		c.loseLeadership(ReasonReleased)
		return fmt.Errorf("failed to release leadership: %w", err)
	}
	c.loseLeadership(ReasonReleased)
	return nil
}

// Run drives failover until ctx is canceled: an initial campaign, then a
// watch on the leader key. Vacancies (delete or TTL expiry) and lost
// renewals trigger a new campaign after a jittered election delay. Run does
// not renew; the holder drives Renew on the policy's cadence. Returns
// ctx.Err() on cancellation or the terminal watch error, so a supervisor
// can restart it.
func (c *Coordinator) Run(ctx context.Context) error {
	w, err := c.store.Watch(ctx, c.key, kv.WatchOptions{})
	if err != nil {
		return fmt.Errorf("failed to watch leader key: %w", err)
	}
	defer w.Stop()

	events := make(chan kv.WatchEvent)
	watchErr := make(chan error, 1)
	go func() {
		for {
			ev, err := w.Next(ctx)
			if err != nil {
				watchErr <- err
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := c.contend(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-watchErr:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("leader watch terminated: %w", err)
		case <-c.recontend:
			// A lost renewal schedules a fresh election; the key may
			// already be vacant with its delete event long consumed.
			if err := c.waitElectionDelay(ctx); err != nil {
				return err
			}
			if err := c.contend(ctx); err != nil {
				return err
			}
		case ev := <-events:
			if ev.Type != kv.EventDelete && ev.Type != kv.EventExpired {
				continue
			}
			if c.IsLeader() {
				// Our own loss is detected on the renewal path.
				continue
			}
			if err := c.waitElectionDelay(ctx); err != nil {
				return err
			}
			if err := c.contend(ctx); err != nil {
				return err
			}
		}
	}
}

// scheduleElection nudges Run to campaign again. Buffered, so a loss
// observed before Run starts is not forgotten.
func (c *Coordinator) scheduleElection() {
	select {
	case c.recontend <- struct{}{}:
	default:
	}
}

// contend campaigns until the group has a leader again, waiting out an
// election delay between failed rounds. Returns only ctx errors.
func (c *Coordinator) contend(ctx context.Context) error {
	for {
		if err := c.campaign(ctx); err != nil {
			return err
		}
		if c.State() != StateFailed {
			return nil
		}
		if err := c.waitElectionDelay(ctx); err != nil {
			return err
		}
	}
}

// campaign is one bounded election round: attempts repeat through transport
// errors until MaxElectionTime, which forces Failed. Ends Elected on a win
// or Idle when another instance holds the key.
func (c *Coordinator) campaign(ctx context.Context) error {
	c.setState(StateCampaigning)
	deadline := time.Now().Add(c.cfg.Policy.MaxElectionTime)
	for {
		won, err := c.AttemptLeadership(ctx)
		if err == nil {
			if !won {
				c.setState(StateIdle)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Debug().Err(err).Msg("Leadership attempt failed")
		if time.Now().After(deadline) {
			c.setState(StateFailed)
			return nil
		}
		select {
		case <-time.After(campaignRetryPause):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Coordinator) waitElectionDelay(ctx context.Context) error {
	d := c.cfg.Policy.ElectionDelay()
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) leaderInfo(acquiredAt time.Time) types.LeaderInfo {
	return types.LeaderInfo{
		InstanceID: c.cfg.Instance,
		Metadata:   c.cfg.Metadata,
		AcquiredAt: acquiredAt,
	}
}

// becomeLeader records the win and fires OnElected. Caller holds opMu.
func (c *Coordinator) becomeLeader(info types.LeaderInfo, revision uint64) {
	c.mu.Lock()
	already := c.state == StateElected
	c.revision = revision
	c.acquiredAt = info.AcquiredAt
	c.failures = 0
	c.mu.Unlock()
	if already {
		return
	}

	c.logger.Info().
		Str("instance", string(c.cfg.Instance)).
		Time("acquired_at", info.AcquiredAt).
		Msg("Leadership acquired")
	if c.cfg.OnElected != nil {
		c.cfg.OnElected(info)
	}
	c.setState(StateElected)
}

// loseLeadership fires OnLeadershipLost and returns to Idle. Caller holds
// opMu. No-op unless currently Elected.
func (c *Coordinator) loseLeadership(reason LostReason) {
	c.mu.Lock()
	if c.state != StateElected {
		c.mu.Unlock()
		return
	}
	c.revision = 0
	c.failures = 0
	c.mu.Unlock()

	c.logger.Info().Str("reason", string(reason)).Msg("Leadership lost")
	if c.cfg.OnLeadershipLost != nil {
		c.cfg.OnLeadershipLost(reason)
	}
	c.setState(StateIdle)
}

// probeLossReason distinguishes a takeover from an expiry, best effort.
func (c *Coordinator) probeLossReason(ctx context.Context) LostReason {
	var info types.LeaderInfo
	entry, err := c.store.GetValue(ctx, c.key, &info)
	if err != nil || entry == nil {
		return ReasonExpired
	}
	return ReasonReplaced
}

func (c *Coordinator) setState(next State) {
	c.mu.Lock()
	prev := c.state
	if prev == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.mu.Unlock()

	c.logger.Debug().Str("from", string(prev)).Str("to", string(next)).Msg("Election state changed")
	if c.cfg.OnTransition != nil {
		c.cfg.OnTransition(prev, next)
	}
}
