package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/aegismesh/aegis/pkg/broker"
	"github.com/aegismesh/aegis/pkg/codec"
	"github.com/aegismesh/aegis/pkg/errdefs"
	"github.com/aegismesh/aegis/pkg/metrics"
	"github.com/aegismesh/aegis/pkg/types"
)

// defaultRPCTimeout bounds handlers for requests that carry no timeout of
// their own.
const defaultRPCTimeout = 5 * time.Second

// RPCHandler handles one request. The returned map becomes the response
// result; a non-nil error becomes a structured error response whose code is
// the error's taxonomy kind.
type RPCHandler func(ctx context.Context, req *types.RPCRequest) (map[string]any, error)

// EventHandler observes one event. A returned error is logged and counted
// but the event is not redelivered.
type EventHandler func(ctx context.Context, ev *types.Event) error

type rpcEndpoint struct {
	method    types.MethodName
	handler   RPCHandler
	exclusive bool
	limiter   *rate.Limiter
	sub       broker.Subscription
}

type eventBinding struct {
	pattern string
	handler EventHandler
	sub     broker.Subscription
}

// RPCOption configures one registered method.
type RPCOption func(*rpcEndpoint)

// WithExclusive restricts the method to the sticky-active instance of the
// configured group. Standby instances answer NOT_ACTIVE without invoking
// the handler.
func WithExclusive() RPCOption {
	return func(ep *rpcEndpoint) { ep.exclusive = true }
}

// WithRateLimit throttles the method to rps requests per second with the
// given burst. Requests over the limit get a rate_limited error response
// instead of queueing.
func WithRateLimit(rps float64, burst int) RPCOption {
	return func(ep *rpcEndpoint) { ep.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// RegisterRPC binds handler to rpc.<service>.<method>. Registration is only
// allowed before Start; the set of endpoints is frozen once the runtime is
// running.
func (r *Runtime) RegisterRPC(method string, handler RPCHandler, opts ...RPCOption) error {
	m, err := types.NewMethodName(method)
	if err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("rpc %q handler must not be nil: %w", method, errdefs.ErrInvalid)
	}

	ep := &rpcEndpoint{method: m, handler: handler}
	for _, opt := range opts {
		opt(ep)
	}
	if ep.exclusive && r.cfg.Group == "" {
		return fmt.Errorf("exclusive rpc %q requires an election group: %w", method, errdefs.ErrConfig)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("cannot register rpc %q after start: %w", method, errdefs.ErrInvalid)
	}
	if _, ok := r.rpcs[m]; ok {
		return fmt.Errorf("rpc %q: %w", method, errdefs.ErrAlreadyExists)
	}
	r.rpcs[m] = ep
	return nil
}

// RegisterEvent binds handler to the event pattern, which may use * and >
// wildcards ("user.*", "orders.>"). Each service group receives one copy of
// every matching event, so handlers must tolerate redelivery but not
// duplication within the group.
func (r *Runtime) RegisterEvent(pattern string, handler EventHandler) error {
	subject := broker.EventPattern(pattern)
	if !broker.ValidPattern(subject) {
		return fmt.Errorf("event pattern %q is not a valid subject pattern: %w", pattern, errdefs.ErrInvalid)
	}
	if handler == nil {
		return fmt.Errorf("event %q handler must not be nil: %w", pattern, errdefs.ErrInvalid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("cannot register event %q after start: %w", pattern, errdefs.ErrInvalid)
	}
	if _, ok := r.events[subject]; ok {
		return fmt.Errorf("event %q: %w", pattern, errdefs.ErrAlreadyExists)
	}
	r.events[subject] = &eventBinding{pattern: pattern, handler: handler}
	return nil
}

// subscribeHandlers opens the broker subscriptions for every registered
// endpoint. Called from Start with r.mu held.
func (r *Runtime) subscribeHandlers() error {
	group := string(r.service)
	for _, ep := range r.rpcs {
		subject := broker.RPCSubject(r.service, ep.method)
		sub, err := r.broker.Subscribe(subject, group, r.rpcHandler(ep))
		if err != nil {
			return fmt.Errorf("failed to subscribe rpc %s: %w", ep.method, err)
		}
		ep.sub = sub
	}
	for subject, b := range r.events {
		sub, err := r.broker.Subscribe(subject, group, r.eventHandler(b))
		if err != nil {
			return fmt.Errorf("failed to subscribe events %s: %w", b.pattern, err)
		}
		b.sub = sub
	}
	return nil
}

func (r *Runtime) unsubscribeHandlers() {
	for _, ep := range r.rpcs {
		if ep.sub != nil {
			_ = ep.sub.Unsubscribe()
		}
	}
	for _, b := range r.events {
		if b.sub != nil {
			_ = b.sub.Unsubscribe()
		}
	}
}

func (r *Runtime) rpcHandler(ep *rpcEndpoint) broker.Handler {
	return func(msg broker.Message) {
		if msg.Reply == "" {
			r.logger.Debug().Str("method", ep.method.String()).Msg("Dropping rpc request without reply subject")
			return
		}
		r.inflight.Add(1)
		go func() {
			defer r.inflight.Done()
			r.serveRPC(ep, msg)
		}()
	}
}

func (r *Runtime) serveRPC(ep *rpcEndpoint, msg broker.Message) {
	method := ep.method.String()
	timer := metrics.NewTimer()

	var req types.RPCRequest
	if err := codec.Decode(msg.Data, &req); err != nil {
		r.logger.Warn().Err(err).Str("method", method).Msg("Undecodable rpc request")
		r.metrics.RPCRequests.WithLabelValues(method, "decode_error").Inc()
		r.respond(msg.Reply, types.NewRPCErrorResponse(&req, "serialization", "request could not be decoded"))
		return
	}

	outcome := "ok"
	var resp *types.RPCResponse
	switch {
	case ep.limiter != nil && !ep.limiter.Allow():
		outcome = "rate_limited"
		resp = types.NewRPCErrorResponse(&req, "rate_limited", fmt.Sprintf("rpc %s is over its rate limit", method))
	case ep.exclusive && !r.IsActive():
		outcome = "not_active"
		resp = types.NewRPCErrorResponse(&req, "NOT_ACTIVE", fmt.Sprintf("%s is in STANDBY mode", r.instanceID))
	default:
		resp = r.invokeRPC(ep, &req)
		if !resp.Success {
			outcome = "error"
		}
	}

	r.metrics.RPCRequests.WithLabelValues(method, outcome).Inc()
	timer.ObserveDurationVec(r.metrics.RPCDuration, method)
	r.respond(msg.Reply, resp)
}

// invokeRPC runs the handler under the request's deadline, turning panics
// and errors into structured error responses.
func (r *Runtime) invokeRPC(ep *rpcEndpoint, req *types.RPCRequest) (resp *types.RPCResponse) {
	timeout := req.Timeout()
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	ctx, cancel := context.WithTimeout(r.handlerCtx, timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Str("method", ep.method.String()).Msg("RPC handler panicked")
			resp = types.NewRPCErrorResponse(req, "handler_error", fmt.Sprintf("handler panicked: %v", rec))
		}
	}()

	result, err := ep.handler(ctx, req)
	switch {
	case err == nil:
		return types.NewRPCResponse(req, result)
	case errors.Is(err, context.DeadlineExceeded):
		return types.NewRPCErrorResponse(req, "timeout", fmt.Sprintf("handler exceeded %s", timeout))
	default:
		return types.NewRPCErrorResponse(req, errdefs.Kind(err), err.Error())
	}
}

func (r *Runtime) respond(reply string, resp *types.RPCResponse) {
	data, err := r.codec.Marshal(resp)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to encode rpc response")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.broker.Publish(ctx, reply, data); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to publish rpc response")
	}
}

func (r *Runtime) eventHandler(b *eventBinding) broker.Handler {
	return func(msg broker.Message) {
		r.inflight.Add(1)
		go func() {
			defer r.inflight.Done()
			r.serveEvent(b, msg)
		}()
	}
}

func (r *Runtime) serveEvent(b *eventBinding, msg broker.Message) {
	var ev types.Event
	if err := codec.Decode(msg.Data, &ev); err != nil {
		r.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Undecodable event")
		r.metrics.EventsHandled.WithLabelValues(b.pattern, "decode_error").Inc()
		return
	}

	outcome := "ok"
	if err := r.invokeEvent(b, &ev); err != nil {
		outcome = "error"
		r.logger.Warn().Err(err).
			Str("pattern", b.pattern).
			Str("event_type", ev.EventType.String()).
			Msg("Event handler failed")
	}
	r.metrics.EventsHandled.WithLabelValues(b.pattern, outcome).Inc()
}

func (r *Runtime) invokeEvent(b *eventBinding, ev *types.Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v: %w", rec, errdefs.ErrHandlerFailed)
		}
	}()
	return b.handler(r.handlerCtx, ev)
}
