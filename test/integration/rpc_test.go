package integration

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegismesh/aegis/pkg/client"
	"github.com/aegismesh/aegis/pkg/service"
	"github.com/aegismesh/aegis/pkg/types"
	"github.com/aegismesh/aegis/test/framework"
)

// TestExclusiveMethodOnStandby tests that a standby instance refuses an
// exclusive method with NOT_ACTIVE without invoking the handler, while the
// active instance serves the same method.
func TestExclusiveMethodOnStandby(t *testing.T) {
	// Skip if not running integration tests
	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	ctx := context.Background()

	calls := make([]atomic.Int64, 2)
	cfg := framework.DefaultClusterConfig("payments", "primary")
	cfg.Configure = func(i int, rt *service.Runtime) error {
		return rt.RegisterRPC("do_work", func(ctx context.Context, req *types.RPCRequest) (map[string]any, error) {
			calls[i].Add(1)
			return map[string]any{"worker": rt.InstanceID().String()}, nil
		}, service.WithExclusive())
	}

	cluster, err := framework.NewCluster(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { cluster.Stop(context.Background()) })

	t.Log("Step 1: starting two contenders and waiting for the election")
	require.NoError(t, cluster.Start(ctx))
	w := framework.DefaultWaiter()
	require.NoError(t, w.WaitForActiveCount(ctx, cluster, 1))

	active := cluster.ActiveMember()
	require.NotNil(t, active)
	activeIdx, standbyIdx := 0, 1
	if cluster.Members[1] == active {
		activeIdx, standbyIdx = 1, 0
	}
	standby := cluster.Members[standbyIdx]

	cl := client.New(cluster.Bus, client.Options{})
	t.Cleanup(cl.Close)

	t.Log("Step 2: calling do_work until the queue group routes one to the standby")
	var rejected *types.RPCResponse
	served := 0
	for i := 0; i < 6 && rejected == nil; i++ {
		resp, err := cl.CallRPC(ctx, "payments", "do_work", map[string]any{"order": i}, 2*time.Second)
		require.NoError(t, err)
		if resp.Success {
			served++
			assert.EqualValues(t, active.ID().String(), resp.Result["worker"])
			continue
		}
		rejected = resp
	}
	require.NotNil(t, rejected, "no call reached the standby")

	t.Log("Step 3: checking the refusal")
	require.NotNil(t, rejected.Error)
	assert.Equal(t, "NOT_ACTIVE", rejected.Error.Code)
	assert.Contains(t, rejected.Error.Message, standby.ID().String())
	assert.Contains(t, rejected.Error.Message, "STANDBY")

	// The standby refused in the dispatch path without touching the
	// handler; the active instance served everything else.
	assert.Zero(t, calls[standbyIdx].Load(), "standby invoked the exclusive handler")
	assert.EqualValues(t, served, calls[activeIdx].Load())

	t.Logf("✓ standby %s refused with NOT_ACTIVE, active %s served %d calls",
		standby.ID(), active.ID(), served)
}
