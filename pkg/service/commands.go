package service

import (
	"context"
	"fmt"
	"time"

	"github.com/aegismesh/aegis/pkg/broker"
	"github.com/aegismesh/aegis/pkg/codec"
	"github.com/aegismesh/aegis/pkg/errdefs"
	"github.com/aegismesh/aegis/pkg/metrics"
	"github.com/aegismesh/aegis/pkg/types"
)

const (
	// maxCommandDeliver caps broker-side redelivery per command, over and
	// above the envelope's own MaxRetries budget.
	maxCommandDeliver = 10

	// commandAckWait must outlast the longest command timeout so the broker
	// never redelivers an envelope the runtime is still working on.
	commandAckWait = 2 * time.Minute

	commandRetryBase = 500 * time.Millisecond
	commandRetryMax  = 30 * time.Second
)

// CommandHandler executes one durable command. progress may be called at any
// point to stream completion percentage to the sender. The returned map is
// published as the command result; an error triggers redelivery until the
// envelope's retry budget runs out.
type CommandHandler func(ctx context.Context, cmd *types.Command, progress ProgressFunc) (map[string]any, error)

// ProgressFunc publishes a progress update for the command being handled.
type ProgressFunc func(percent float64, status string)

type commandBinding struct {
	name    types.MethodName
	handler CommandHandler
	handle  broker.ConsumerHandle
}

// RegisterCommand binds handler to the durable queue for
// commands.<service>.<command>. Deliveries for one command subject are
// processed in order, one at a time; retries and dead-lettering follow the
// envelope's MaxRetries. Registration is only allowed before Start.
func (r *Runtime) RegisterCommand(command string, handler CommandHandler) error {
	name, err := types.NewMethodName(command)
	if err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("command %q handler must not be nil: %w", command, errdefs.ErrInvalid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("cannot register command %q after start: %w", command, errdefs.ErrInvalid)
	}
	if _, ok := r.commands[name]; ok {
		return fmt.Errorf("command %q: %w", command, errdefs.ErrAlreadyExists)
	}
	r.commands[name] = &commandBinding{name: name, handler: handler}
	return nil
}

// startCommandConsumers opens one durable consumer per registered command.
// Called from Start with r.mu held.
func (r *Runtime) startCommandConsumers() error {
	if len(r.commands) == 0 {
		return nil
	}
	queue, err := r.broker.WorkQueue(broker.CommandStreamName)
	if err != nil {
		return fmt.Errorf("failed to open command queue: %w", err)
	}

	for name, b := range r.commands {
		subject := broker.CommandSubject(r.service, name.String())
		durable := fmt.Sprintf("%s-%s", r.service, name)
		handle, err := queue.Consume(subject, durable, r.commandDispatcher(b),
			broker.WithMaxDeliver(maxCommandDeliver),
			broker.WithAckWait(commandAckWait),
			broker.WithDeadLetter(broker.DLQSubject(r.service)),
		)
		if err != nil {
			return fmt.Errorf("failed to consume command %s: %w", name, err)
		}
		b.handle = handle
	}
	return nil
}

func (r *Runtime) stopCommandConsumers() {
	for _, b := range r.commands {
		if b.handle != nil {
			_ = b.handle.Stop()
		}
	}
}

func (r *Runtime) commandDispatcher(b *commandBinding) func(*broker.Delivery) {
	return func(d *broker.Delivery) {
		r.inflight.Add(1)
		defer r.inflight.Done()
		r.serveCommand(b, d)
	}
}

type commandOutcome struct {
	result map[string]any
	err    error
}

func (r *Runtime) serveCommand(b *commandBinding, d *broker.Delivery) {
	command := b.name.String()

	var cmd types.Command
	if err := codec.Decode(d.Data, &cmd); err != nil {
		r.logger.Warn().Err(err).Str("subject", d.Subject).Msg("Terminating undecodable command")
		r.metrics.CommandsProcessed.WithLabelValues(command, "invalid").Inc()
		r.metrics.CommandsDeadLetters.WithLabelValues(command).Inc()
		_ = d.Term()
		return
	}

	timeout := cmd.Timeout()
	if timeout <= 0 {
		timeout = types.DefaultCommandTimeoutMS * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(r.handlerCtx, timeout)
	defer cancel()

	progress := func(percent float64, status string) {
		r.publishProgress(&cmd, percent, status)
	}

	timer := metrics.NewTimer()
	done := make(chan commandOutcome, 1)
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		done <- r.invokeCommand(ctx, b, &cmd, progress)
	}()

	select {
	case out := <-done:
		timer.ObserveDurationVec(r.metrics.CommandDuration, command)
		if out.err == nil {
			r.publishResult(types.NewCommandResult(cmd.MessageID, out.result))
			r.metrics.CommandsProcessed.WithLabelValues(command, string(types.CommandCompleted)).Inc()
			if err := d.Ack(); err != nil {
				r.logger.Warn().Err(err).Str("command", command).Msg("Failed to ack command")
			}
			return
		}
		r.failCommand(b, d, &cmd, out.err)

	case <-ctx.Done():
		// The handler did not finish inside the envelope's budget. It keeps
		// running until it observes the canceled context; the delivery is
		// settled now so the broker can redeliver.
		timer.ObserveDurationVec(r.metrics.CommandDuration, command)
		if r.stopping() {
			// Redeliver immediately elsewhere; this instance is going away.
			_ = d.Nak(0)
			return
		}
		r.logger.Warn().
			Str("command", command).
			Str("message_id", cmd.MessageID).
			Dur("timeout", timeout).
			Int("attempt", d.Attempt).
			Msg("Command timed out")
		r.publishResult(types.NewCommandError(cmd.MessageID, types.CommandTimedOut, "timeout",
			fmt.Sprintf("command exceeded %s", timeout)))
		r.metrics.CommandsProcessed.WithLabelValues(command, string(types.CommandTimedOut)).Inc()
		_ = d.Nak(retryDelay(d.Attempt))
	}
}

func (r *Runtime) invokeCommand(ctx context.Context, b *commandBinding, cmd *types.Command, progress ProgressFunc) (out commandOutcome) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Str("command", b.name.String()).Msg("Command handler panicked")
			out = commandOutcome{err: fmt.Errorf("handler panicked: %v: %w", rec, errdefs.ErrHandlerFailed)}
		}
	}()
	result, err := b.handler(ctx, cmd, progress)
	return commandOutcome{result: result, err: err}
}

// failCommand retries a failed delivery until the envelope's MaxRetries is
// spent, then publishes a terminal failure and dead-letters the envelope.
func (r *Runtime) failCommand(b *commandBinding, d *broker.Delivery, cmd *types.Command, herr error) {
	command := b.name.String()
	if d.Attempt <= cmd.MaxRetries {
		r.logger.Warn().Err(herr).
			Str("command", command).
			Str("message_id", cmd.MessageID).
			Int("attempt", d.Attempt).
			Int("max_retries", cmd.MaxRetries).
			Msg("Command failed, retrying")
		r.metrics.CommandsProcessed.WithLabelValues(command, "retried").Inc()
		_ = d.Nak(retryDelay(d.Attempt))
		return
	}

	r.logger.Error().Err(herr).
		Str("command", command).
		Str("message_id", cmd.MessageID).
		Int("attempt", d.Attempt).
		Msg("Command exhausted its retries, dead-lettering")
	r.publishResult(types.NewCommandError(cmd.MessageID, types.CommandFailed, errdefs.Kind(herr), herr.Error()))
	r.metrics.CommandsProcessed.WithLabelValues(command, string(types.CommandFailed)).Inc()
	r.metrics.CommandsDeadLetters.WithLabelValues(command).Inc()
	_ = d.Term()
}

// retryDelay backs off exponentially per delivery attempt.
func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := commandRetryBase << (attempt - 1)
	if delay > commandRetryMax || delay <= 0 {
		delay = commandRetryMax
	}
	return delay
}

func (r *Runtime) publishProgress(cmd *types.Command, percent float64, status string) {
	update := types.NewCommandProgress(cmd.MessageID, percent, status)
	data, err := r.codec.Marshal(update)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to encode command progress")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.broker.Publish(ctx, broker.ProgressSubject(cmd.MessageID), data); err != nil {
		r.logger.Warn().Err(err).Str("message_id", cmd.MessageID).Msg("Failed to publish command progress")
	}
}

func (r *Runtime) publishResult(res *types.CommandResult) {
	data, err := r.codec.Marshal(res)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to encode command result")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.broker.Publish(ctx, broker.ResultSubject(res.MessageID), data); err != nil {
		r.logger.Warn().Err(err).Str("message_id", res.MessageID).Msg("Failed to publish command result")
	}
}
