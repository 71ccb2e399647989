/*
Package election implements sticky single-active leader election over a
revisioned key-value bucket.

One Coordinator contends for leadership of a (service, group) pair. The
winner is whichever instance creates the group's leader key first;
everyone else becomes a standby watching the key. Leadership is sticky:
a healthy leader renews its claim indefinitely and standbys never
preempt it, so the role only moves when the leader stops renewing,
releases, or loses connectivity long enough for the key to expire.

# Algorithm

The leader key lives in the sticky-active bucket with a TTL equal to
the failover policy's LeaderTTL:

	          create key (exactly one wins)
	  Idle ──────────► Campaigning ──────────► Elected
	   ▲                    │    ▲                │
	   │   key exists       │    │ key deleted    │ renew every
	   │   (standby waits)  ◄────┘ or expired     │ RenewInterval
	   │                                          │
	   └───────────── release / stop ◄────────────┘

 1. AttemptLeadership tries a create-only write of the leader key. On
    ErrAlreadyExists the coordinator settles into standby and watches
    the key; on success it is elected.
 2. An elected coordinator renews the key each RenewInterval with a
    compare-and-swap on the revision it last wrote. A mismatch means
    another writer took over; the coordinator concedes immediately.
 3. When the key is deleted or expires, standbys wait a jittered
    election delay (spreads thundering herds) and campaign again.
 4. Release deletes the key, pinned to the held revision, and stops
    renewing.

Failed renewals are tolerated up to the policy's failure budget; past
it the coordinator declares leadership lost with ReasonTransport even
though the key may still exist, because a claim that cannot be renewed
ahead of the TTL is already forfeit.

# Failover policies

Config presets trade takeover speed against churn tolerance:

  - aggressive:    short TTL, fast renewals, minimal election delay
  - balanced:      the default for most services
  - conservative:  long TTL for flaky networks, slow takeover

Explicit leader_ttl_seconds / leader_heartbeat_interval_seconds /
election_delay_seconds keys override preset fields one by one.

# Callbacks

OnElected fires after the key is won, OnLeadershipLost fires with the
reason (expired, replaced, released, transport) after it is gone, and
OnTransition observes every state change for logging and metrics.
Callbacks run synchronously inside the transition path; blocking them
delays renewals.

# Usage

	coord, err := election.New(store, election.Config{
		Service:  "payments",
		Group:    "settlement",
		Instance: instanceID,
		Policy:   cfg.Policy(),
		OnElected: func(info types.LeaderInfo) {
			activate()
		},
		OnLeadershipLost: func(reason election.LostReason) {
			deactivate()
		},
	})
	if err != nil {
		return err
	}
	go coord.Run(ctx)

Run drives the campaign/renew/watch loop until the context ends, then
releases any held leadership. CurrentLeader answers the read-only
question without a coordinator.
*/
package election
