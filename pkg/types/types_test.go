package types

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegismesh/aegis/pkg/codec"
	"github.com/aegismesh/aegis/pkg/errdefs"
)

// TestServiceNameValidation tests the name grammar against the edge cases
func TestServiceNameValidation(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "payments", false},
		{"with digits", "svc2", false},
		{"with hyphen", "media-encoder", false},
		{"with underscore", "audit_log", false},
		{"single letter", "a", false},
		{"max length", "a" + strings.Repeat("b", 63), false},
		{"empty", "", true},
		{"uppercase", "Payments", true},
		{"leading digit", "2fast", true},
		{"leading hyphen", "-svc", true},
		{"trailing hyphen", "svc-", true},
		{"trailing underscore", "svc_", true},
		{"embedded dot", "svc.core", true},
		{"embedded space", "svc core", true},
		{"too long", "a" + strings.Repeat("b", 64), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewServiceName(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errdefs.IsInvalid(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.input, got.String())
			assert.NoError(t, got.Validate())
		})
	}
}

// TestInstanceIDValidation tests the id constraints for subject embedding
func TestInstanceIDValidation(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"uuid", "a4f1c2de-0b1a-4c5d-9e8f-112233445566", false},
		{"pod style", "payments-7f9c4b5d6-x2vqp", false},
		{"max length", strings.Repeat("x", 128), false},
		{"empty", "", true},
		{"too long", strings.Repeat("x", 129), true},
		{"with space", "inst 1", true},
		{"with tab", "inst\t1", true},
		{"with newline", "inst\n1", true},
		{"with dot", "inst.1", true},
		{"with star", "inst*", true},
		{"with gt", "inst>", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewInstanceID(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errdefs.IsInvalid(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

// TestNewRandomInstanceID tests that generated ids pass their own validation
func TestNewRandomInstanceID(t *testing.T) {
	id := NewRandomInstanceID()
	assert.NoError(t, id.Validate())
	assert.NotEqual(t, id, NewRandomInstanceID())
}

// TestMethodNameValidation tests the snake_case method grammar
func TestMethodNameValidation(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"get_balance", false},
		{"transcode", false},
		{"step2", false},
		{"", true},
		{"GetBalance", true},
		{"get-balance", true},
		{"2step", true},
		{"get balance", true},
		{"a" + strings.Repeat("b", 64), true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := NewMethodName(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errdefs.IsInvalid(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

// TestEventTypeValidation tests the dotted event path grammar
func TestEventTypeValidation(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"order.created", false},
		{"order.payment.captured", false},
		{"audit_log.entry_added", false},
		{"", true},
		{"order", true},
		{"order.", true},
		{".created", true},
		{"order..created", true},
		{"Order.created", true},
		{"order.2fast", true},
		{"order.cre ated", true},
		{strings.Repeat("a", 63) + ".b", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := NewEventType(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errdefs.IsInvalid(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

// TestEventTypeSegments tests the domain/action accessors
func TestEventTypeSegments(t *testing.T) {
	ev := EventType("order.payment.captured")
	assert.Equal(t, "order", ev.Domain())
	assert.Equal(t, "captured", ev.Action())

	two := EventType("order.created")
	assert.Equal(t, "order", two.Domain())
	assert.Equal(t, "created", two.Action())
}

// TestPriority tests parsing and the total order
func TestPriority(t *testing.T) {
	for _, s := range []string{"low", "normal", "high", "critical"} {
		p, err := ParsePriority(s)
		require.NoError(t, err)
		assert.True(t, p.Valid())
	}

	_, err := ParsePriority("urgent")
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalid(err))

	assert.True(t, PriorityLow.Less(PriorityNormal))
	assert.True(t, PriorityNormal.Less(PriorityHigh))
	assert.True(t, PriorityHigh.Less(PriorityCritical))
	assert.False(t, PriorityCritical.Less(PriorityLow))
}

// TestServiceInstanceValidate tests the registry entry invariants
func TestServiceInstanceValidate(t *testing.T) {
	valid := &ServiceInstance{
		ServiceName: "payments",
		InstanceID:  "payments-1",
		Status:      StatusActive,
	}
	assert.NoError(t, valid.Validate())

	badStatus := &ServiceInstance{ServiceName: "payments", InstanceID: "p-1", Status: "depleted"}
	err := badStatus.Validate()
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalid(err))

	orphanSticky := &ServiceInstance{
		ServiceName:        "payments",
		InstanceID:         "p-1",
		Status:             StatusActive,
		StickyActiveStatus: StickyStatusPtr(StickyActive),
	}
	err = orphanSticky.Validate()
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalid(err))

	orphanSticky.StickyActiveGroup = "settlement"
	assert.NoError(t, orphanSticky.Validate())
}

// TestServiceInstanceIsHealthy tests TTL-based liveness
func TestServiceInstanceIsHealthy(t *testing.T) {
	now := time.Now()
	ttl := 30 * time.Second

	fresh := &ServiceInstance{Status: StatusActive, LastHeartbeat: now.Add(-5 * time.Second)}
	assert.True(t, fresh.IsHealthy(now, ttl))

	standby := &ServiceInstance{Status: StatusStandby, LastHeartbeat: now.Add(-5 * time.Second)}
	assert.True(t, standby.IsHealthy(now, ttl))

	stale := &ServiceInstance{Status: StatusActive, LastHeartbeat: now.Add(-31 * time.Second)}
	assert.False(t, stale.IsHealthy(now, ttl))

	unhealthy := &ServiceInstance{Status: StatusUnhealthy, LastHeartbeat: now}
	assert.False(t, unhealthy.IsHealthy(now, ttl))
}

// TestServiceInstanceClone tests that clones do not share mutable state
func TestServiceInstanceClone(t *testing.T) {
	orig := &ServiceInstance{
		ServiceName:        "payments",
		InstanceID:         "p-1",
		Status:             StatusActive,
		StickyActiveStatus: StickyStatusPtr(StickyStandby),
		StickyActiveGroup:  "settlement",
		Metadata:           map[string]any{"zone": "eu-1"},
	}

	clone := orig.Clone()
	clone.Metadata["zone"] = "us-2"
	*clone.StickyActiveStatus = StickyActive
	clone.Status = StatusShutdown

	assert.Equal(t, "eu-1", orig.Metadata["zone"])
	assert.Equal(t, StickyStandby, *orig.StickyActiveStatus)
	assert.Equal(t, StatusActive, orig.Status)
	assert.True(t, clone.IsStickyActive())
	assert.False(t, orig.IsStickyActive())
}

// TestEnvelopeDefaults tests the constructor stamping rules
func TestEnvelopeDefaults(t *testing.T) {
	req := NewRPCRequest("get_balance", map[string]any{"account": "a-1"}, 5*time.Second)
	assert.NotEmpty(t, req.MessageID)
	assert.Equal(t, int64(5000), req.TimeoutMS)
	assert.Equal(t, 5*time.Second, req.Timeout())
	assert.False(t, req.Timestamp.IsZero())

	ev := NewEvent("order.created", map[string]any{"id": "o-1"}, "checkout")
	assert.Equal(t, "order", ev.Domain)
	assert.NotEmpty(t, ev.MessageID)

	cmd := NewCommand("media", "transcode", nil)
	assert.Equal(t, PriorityNormal, cmd.Priority)
	assert.Equal(t, int64(DefaultCommandTimeoutMS), cmd.TimeoutMS)
	assert.Equal(t, DefaultCommandMaxRetries, cmd.MaxRetries)
	assert.NotEmpty(t, cmd.MessageID)

	res := NewCommandError(cmd.MessageID, CommandTimedOut, "timeout", "budget exceeded")
	assert.Equal(t, cmd.MessageID, res.MessageID)
	assert.Equal(t, CommandTimedOut, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, "timeout", res.Error.Code)
	assert.Nil(t, res.Result)
}

// TestRPCResponseConstructors tests correlation id propagation
func TestRPCResponseConstructors(t *testing.T) {
	req := NewRPCRequest("promote", nil, time.Second)
	req.CorrelationID = "corr-7"

	ok := NewRPCResponse(req, map[string]any{"done": true})
	assert.True(t, ok.Success)
	assert.Equal(t, "corr-7", ok.CorrelationID)
	assert.Nil(t, ok.Error)

	fail := NewRPCErrorResponse(req, "NOT_ACTIVE", "instance is standby")
	assert.False(t, fail.Success)
	assert.Equal(t, "corr-7", fail.CorrelationID)
	require.NotNil(t, fail.Error)
	assert.Equal(t, "NOT_ACTIVE", fail.Error.Code)
	assert.Nil(t, fail.Result)
}

// TestEnvelopeRoundTrip tests that envelopes survive both wire formats and
// that receivers can decode without knowing which codec the sender picked
func TestEnvelopeRoundTrip(t *testing.T) {
	codecs := []codec.Codec{codec.Msgpack{}, codec.JSON{}}

	for _, c := range codecs {
		t.Run(c.Name(), func(t *testing.T) {
			cmd := NewCommand("media", "transcode", map[string]any{
				"file":  "in.mp4",
				"width": 1280,
			})
			cmd.Priority = PriorityHigh

			data, err := c.Marshal(cmd)
			require.NoError(t, err)

			// Receivers sniff the format instead of trusting configuration.
			var got Command
			require.NoError(t, codec.Decode(data, &got))

			assert.Equal(t, cmd.MessageID, got.MessageID)
			assert.Equal(t, cmd.Command, got.Command)
			assert.Equal(t, cmd.Target, got.Target)
			assert.Equal(t, PriorityHigh, got.Priority)
			assert.Equal(t, cmd.MaxRetries, got.MaxRetries)
			assert.Equal(t, "in.mp4", got.Payload["file"])
			assert.EqualValues(t, 1280, got.Payload["width"])
			assert.WithinDuration(t, cmd.Timestamp, got.Timestamp, time.Second)
		})
	}
}

// TestEventRoundTripKeepsDomain tests the denormalized domain across formats
func TestEventRoundTripKeepsDomain(t *testing.T) {
	ev := NewEvent("order.payment.captured", map[string]any{"amount": "12.50"}, "billing")

	for _, c := range []codec.Codec{codec.Msgpack{}, codec.JSON{}} {
		data, err := c.Marshal(ev)
		require.NoError(t, err)

		var got Event
		require.NoError(t, codec.Decode(data, &got))
		assert.Equal(t, "order", got.Domain)
		assert.Equal(t, ev.EventType, got.EventType)
		assert.Equal(t, "billing", got.Source)
	}
}
