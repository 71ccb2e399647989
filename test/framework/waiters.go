package framework

import (
	"context"
	"fmt"
	"time"

	"github.com/aegismesh/aegis/pkg/types"
)

// Waiter polls conditions with a timeout and interval.
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// NewWaiter creates a Waiter with the given timeout and polling interval.
func NewWaiter(timeout, interval time.Duration) *Waiter {
	return &Waiter{timeout: timeout, interval: interval}
}

// DefaultWaiter returns a waiter tuned for in-process clusters (15s
// timeout, 20ms polls).
func DefaultWaiter() *Waiter {
	return NewWaiter(15*time.Second, 20*time.Millisecond)
}

// WaitFor polls condition until it returns true or the timeout elapses.
func (w *Waiter) WaitFor(ctx context.Context, condition func() bool, description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	if condition() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for %s (timeout: %v)", description, w.timeout)
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// WaitForActiveCount waits until exactly n live registry entries hold the
// sticky-active role in the cluster's group.
func (w *Waiter) WaitForActiveCount(ctx context.Context, c *Cluster, n int) error {
	reg, err := c.Registry(ctx)
	if err != nil {
		return err
	}
	return w.WaitFor(ctx, func() bool {
		count, err := reg.CountActive(ctx, c.Service(), c.Group())
		return err == nil && count == n
	}, fmt.Sprintf("%d active instance(s) in group %s", n, c.Group()))
}

// WaitForActiveInstance waits until id is the single live sticky-active
// instance and its runtime agrees that it holds the role.
func (w *Waiter) WaitForActiveInstance(ctx context.Context, c *Cluster, id types.InstanceID) error {
	return w.WaitFor(ctx, func() bool {
		active, err := c.ActiveInstances(ctx)
		if err != nil || len(active) != 1 || active[0] != id {
			return false
		}
		m := c.Member(id)
		return m != nil && m.Runtime.IsActive()
	}, fmt.Sprintf("instance %s to hold the active role", id))
}

// WaitForRegisteredCount waits until n live instances of the cluster's
// service are visible in the registry.
func (w *Waiter) WaitForRegisteredCount(ctx context.Context, c *Cluster, n int) error {
	reg, err := c.Registry(ctx)
	if err != nil {
		return err
	}
	return w.WaitFor(ctx, func() bool {
		instances, err := reg.ListInstances(ctx, c.Service())
		return err == nil && len(instances) == n
	}, fmt.Sprintf("%d registered instance(s) of %s", n, c.Service()))
}

// WaitForLeader waits until the leader key names a live member.
func (w *Waiter) WaitForLeader(ctx context.Context, c *Cluster) error {
	return w.WaitFor(ctx, func() bool {
		info, err := c.Leader(ctx)
		if err != nil || info == nil {
			return false
		}
		m := c.Member(info.InstanceID)
		return m != nil && m.Broker.Alive()
	}, "a live contender to hold the leader key")
}

// WaitForVacancy waits until the leader key is gone.
func (w *Waiter) WaitForVacancy(ctx context.Context, c *Cluster) error {
	return w.WaitFor(ctx, func() bool {
		info, err := c.Leader(ctx)
		return err == nil && info == nil
	}, "the leader key to expire")
}

// PollUntil polls condition until it returns true or ctx ends.
func PollUntil(ctx context.Context, interval time.Duration, condition func() bool) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if condition() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}
