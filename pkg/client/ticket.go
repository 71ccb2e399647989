package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/aegismesh/aegis/pkg/broker"
	"github.com/aegismesh/aegis/pkg/codec"
	"github.com/aegismesh/aegis/pkg/errdefs"
	"github.com/aegismesh/aegis/pkg/types"
)

// SendOptions adjusts one command envelope. Zero values keep the envelope
// defaults (normal priority, 30s timeout, 3 retries); a negative MaxRetries
// sends a command with no retry budget at all.
type SendOptions struct {
	Priority   types.Priority
	TimeoutMS  int64
	MaxRetries int
}

// CommandTicket tracks one dispatched command. Progress streams handler
// updates; Result blocks for the terminal outcome. Both subjects are
// subscribed before the command is enqueued, so nothing can slip past the
// ticket.
type CommandTicket struct {
	cmd *types.Command

	progress chan types.CommandProgress
	done     chan struct{}

	subP broker.Subscription
	subR broker.Subscription

	mu        sync.Mutex
	result    *types.CommandResult
	closeOnce sync.Once
}

// ID returns the command's message id.
func (t *CommandTicket) ID() string { return t.cmd.MessageID }

// Command returns the envelope that was enqueued.
func (t *CommandTicket) Command() *types.Command { return t.cmd }

// Progress returns the stream of handler progress updates. The channel is
// never closed; stop reading once Result returns. Updates beyond the
// buffer are dropped, progress is advisory.
func (t *CommandTicket) Progress() <-chan types.CommandProgress { return t.progress }

// Result blocks until the first terminal result for the command arrives,
// then caches it; later calls return the same result without blocking.
// Retried attempts may produce several results (a timeout per attempt,
// then a terminal failure); the first one observed wins.
func (t *CommandTicket) Result(ctx context.Context) (*types.CommandResult, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		res := t.result
		t.mu.Unlock()
		t.Close()
		return res, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for result of command %s: %v",
			errdefs.ErrTimeout, t.cmd.MessageID, ctx.Err())
	}
}

// Close drops the progress and result subscriptions. A result that already
// arrived stays readable through Result.
func (t *CommandTicket) Close() {
	t.closeOnce.Do(func() {
		if t.subP != nil {
			_ = t.subP.Unsubscribe()
		}
		if t.subR != nil {
			_ = t.subR.Unsubscribe()
		}
	})
}

func (t *CommandTicket) onProgress(msg broker.Message) {
	var p types.CommandProgress
	if err := codec.Decode(msg.Data, &p); err != nil {
		return
	}
	select {
	case t.progress <- p:
	default:
	}
}

func (t *CommandTicket) onResult(msg broker.Message) {
	var res types.CommandResult
	if err := codec.Decode(msg.Data, &res); err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.result == nil {
		t.result = &res
		close(t.done)
	}
}

// SendCommand enqueues a durable command for service and returns a ticket
// for its progress and result. The command survives broker restarts and is
// retried per its envelope budget; the ticket's subscriptions do not, so a
// caller that disconnects can only rely on the command itself, not on
// observing its outcome.
func (c *Client) SendCommand(ctx context.Context, service, command string, payload map[string]any, opts SendOptions) (*CommandTicket, error) {
	svc := types.ServiceName(service)
	if err := svc.Validate(); err != nil {
		return nil, err
	}
	name, err := types.NewMethodName(command)
	if err != nil {
		return nil, err
	}

	cmd := types.NewCommand(svc, name, payload)
	if opts.Priority != "" {
		if !opts.Priority.Valid() {
			return nil, fmt.Errorf("unknown priority %q: %w", opts.Priority, errdefs.ErrInvalid)
		}
		cmd.Priority = opts.Priority
	}
	if opts.TimeoutMS > 0 {
		cmd.TimeoutMS = opts.TimeoutMS
	}
	switch {
	case opts.MaxRetries > 0:
		cmd.MaxRetries = opts.MaxRetries
	case opts.MaxRetries < 0:
		cmd.MaxRetries = 0
	}

	data, err := c.codec.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command %s: %w", command, err)
	}
	queue, err := c.broker.WorkQueue(broker.CommandStreamName)
	if err != nil {
		return nil, fmt.Errorf("failed to open command queue: %w", err)
	}

	t := &CommandTicket{
		cmd:      cmd,
		progress: make(chan types.CommandProgress, 16),
		done:     make(chan struct{}),
	}
	t.subP, err = c.broker.Subscribe(broker.ProgressSubject(cmd.MessageID), "", t.onProgress)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe command progress: %w", err)
	}
	t.subR, err = c.broker.Subscribe(broker.ResultSubject(cmd.MessageID), "", t.onResult)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to subscribe command result: %w", err)
	}

	header := broker.Header{"Priority": string(cmd.Priority)}
	if err := queue.Publish(ctx, broker.CommandSubject(svc, name.String()), data, header); err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to enqueue command %s: %w", command, err)
	}
	return t, nil
}
