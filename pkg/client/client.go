package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/aegismesh/aegis/pkg/broker"
	"github.com/aegismesh/aegis/pkg/codec"
	"github.com/aegismesh/aegis/pkg/errdefs"
	"github.com/aegismesh/aegis/pkg/kv"
	"github.com/aegismesh/aegis/pkg/log"
	"github.com/aegismesh/aegis/pkg/registry"
	"github.com/aegismesh/aegis/pkg/types"
)

const (
	// DefaultRPCTimeout applies when CallRPC is given no timeout.
	DefaultRPCTimeout = 5 * time.Second

	defaultBreakerFailures = 5
	defaultBreakerCooldown = 10 * time.Second
	defaultRegistryTTL     = 30 * time.Second
)

// Options tunes a Client. The zero value gets sensible defaults.
type Options struct {
	// Codec encodes outgoing envelopes. Defaults to msgpack; responses are
	// decoded by wire-format detection either way.
	Codec codec.Codec

	// DefaultTimeout bounds CallRPC calls made without a timeout.
	DefaultTimeout time.Duration

	// BreakerFailures is how many consecutive transport failures against
	// one service open its circuit.
	BreakerFailures uint32

	// BreakerCooldown is how long an open circuit waits before letting a
	// probe request through.
	BreakerCooldown time.Duration

	// RegistryTTL must match the registry_ttl_seconds the services run
	// with; Discover opens the same bucket and a mismatched TTL is a
	// configuration conflict.
	RegistryTTL time.Duration
}

// EventHandler observes events delivered to a client subscription.
type EventHandler func(ev *types.Event)

// Client is the caller side of the messaging patterns: request/response
// RPC behind a per-service circuit breaker, event publish/observe, durable
// commands with progress tickets, and registry discovery.
//
// The Client borrows its broker connection; closing the Client does not
// close the broker.
type Client struct {
	broker broker.Broker
	codec  codec.Codec
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	breakers map[types.ServiceName]*gobreaker.CircuitBreaker
	regStore *kv.Store
	registry *registry.Registry
}

// New wraps an already connected broker.
func New(b broker.Broker, opts Options) *Client {
	if opts.Codec == nil {
		opts.Codec = codec.Msgpack{}
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultRPCTimeout
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = defaultBreakerFailures
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = defaultBreakerCooldown
	}
	if opts.RegistryTTL <= 0 {
		opts.RegistryTTL = defaultRegistryTTL
	}
	return &Client{
		broker:   b,
		codec:    opts.Codec,
		opts:     opts,
		logger:   log.WithComponent("client"),
		breakers: make(map[types.ServiceName]*gobreaker.CircuitBreaker),
	}
}

// Close releases the registry view. The broker stays open for its owner.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.regStore != nil {
		c.regStore.Close()
		c.regStore = nil
		c.registry = nil
	}
}

// CallRPC sends a request to rpc.<service>.<method> and waits for the
// response. Transport failures count against the service's circuit
// breaker; an application-level error response (success=false) is returned
// to the caller and does not.
func (c *Client) CallRPC(ctx context.Context, service, method string, params map[string]any, timeout time.Duration) (*types.RPCResponse, error) {
	svc := types.ServiceName(service)
	if err := svc.Validate(); err != nil {
		return nil, err
	}
	m, err := types.NewMethodName(method)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}

	req := types.NewRPCRequest(m, params, timeout)
	data, err := c.codec.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rpc request: %w", err)
	}

	subject := broker.RPCSubject(svc, m)
	out, err := c.breaker(svc).Execute(func() (any, error) {
		// The transport waits out the handler budget plus a grace second,
		// so a timeout response still arrives as a response rather than a
		// transport error.
		raw, rerr := c.broker.Request(ctx, subject, data, timeout+time.Second)
		if rerr != nil {
			return nil, rerr
		}
		var resp types.RPCResponse
		if derr := codec.Decode(raw, &resp); derr != nil {
			return nil, fmt.Errorf("failed to decode rpc response: %w", derr)
		}
		return &resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit for %s is open", errdefs.ErrTransport, service)
		}
		return nil, fmt.Errorf("rpc %s.%s: %w", service, method, err)
	}
	return out.(*types.RPCResponse), nil
}

func (c *Client) breaker(service types.ServiceName) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[service]; ok {
		return cb
	}
	failures := c.opts.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(service),
		MaxRequests: 1,
		Timeout:     c.opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().
				Str("service", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
	c.breakers[service] = cb
	return cb
}

// PublishEvent publishes a fire-and-forget event to
// events.<domain>.<rest of type>. Source identifies the publisher and may
// be empty.
func (c *Client) PublishEvent(ctx context.Context, eventType string, payload map[string]any, source string) error {
	t, err := types.NewEventType(eventType)
	if err != nil {
		return err
	}
	ev := types.NewEvent(t, payload, source)
	data, err := c.codec.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", eventType, err)
	}
	if err := c.broker.Publish(ctx, broker.EventSubject(t), data); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", eventType, err)
	}
	return nil
}

// SubscribeEvent observes every event matching pattern, wildcards included.
// Observer subscriptions join no queue group: every subscriber sees every
// matching event. Undecodable payloads are logged and skipped.
func (c *Client) SubscribeEvent(pattern string, handler EventHandler) (broker.Subscription, error) {
	subject := broker.EventPattern(pattern)
	if !broker.ValidPattern(subject) {
		return nil, fmt.Errorf("event pattern %q is not a valid subject pattern: %w", pattern, errdefs.ErrInvalid)
	}
	if handler == nil {
		return nil, fmt.Errorf("event %q handler must not be nil: %w", pattern, errdefs.ErrInvalid)
	}
	return c.broker.Subscribe(subject, "", func(msg broker.Message) {
		var ev types.Event
		if err := codec.Decode(msg.Data, &ev); err != nil {
			c.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Undecodable event")
			return
		}
		handler(&ev)
	})
}

// Discover lists the live instances of service, or of every service when
// service is empty. Entries past their heartbeat TTL are filtered out.
func (c *Client) Discover(ctx context.Context, service string) ([]*types.ServiceInstance, error) {
	reg, err := c.Registry(ctx)
	if err != nil {
		return nil, err
	}
	return reg.ListInstances(ctx, types.ServiceName(service))
}

// Registry returns a read-only view of the service registry, opened lazily
// on first use.
func (c *Client) Registry(ctx context.Context) (*registry.Registry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registry != nil {
		return c.registry, nil
	}
	bucket, err := c.broker.KeyValue(ctx, broker.BucketConfig{
		Name: registry.BucketName,
		TTL:  c.opts.RegistryTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open registry bucket: %w", err)
	}
	c.regStore = kv.New(bucket, kv.Options{BucketTTL: c.opts.RegistryTTL, Codec: c.codec})
	c.registry = registry.New(c.regStore, c.opts.RegistryTTL)
	return c.registry, nil
}
