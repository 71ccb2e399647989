package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aegismesh/aegis/pkg/client"
	"github.com/aegismesh/aegis/pkg/types"
	"github.com/spf13/cobra"
)

// Command-queue commands
var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "Dispatch durable commands",
}

var commandsSendCmd = &cobra.Command{
	Use:   "send <service> <command>",
	Short: "Dispatch a command and stream its progress and result",
	Long: `Enqueue a durable command for a service and follow it until the
terminal result arrives. The command survives broker restarts once
enqueued; Ctrl+C detaches the watch but leaves the command running.

Example:
  aegis commands send media transcode --payload '{"file":"in.mp4"}' --priority high`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, name := args[0], args[1]
		payloadJSON, _ := cmd.Flags().GetString("payload")
		priority, _ := cmd.Flags().GetString("priority")
		timeoutMS, _ := cmd.Flags().GetInt64("timeout-ms")
		maxRetries, _ := cmd.Flags().GetInt("max-retries")
		wait, _ := cmd.Flags().GetDuration("wait")

		payload, err := parsePayload(payloadJSON)
		if err != nil {
			return err
		}

		opts := client.SendOptions{TimeoutMS: timeoutMS, MaxRetries: maxRetries}
		if priority != "" {
			p, err := types.ParsePriority(priority)
			if err != nil {
				return err
			}
			opts.Priority = p
		}

		cfg, err := loadSettings(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signalContext()
		defer stop()

		b, err := dialBroker(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeBroker(b)

		cl := newClient(cfg, b)
		defer cl.Close()

		ticket, err := cl.SendCommand(ctx, svc, name, payload, opts)
		if err != nil {
			return err
		}
		defer ticket.Close()

		format := outputFormat(cmd)
		var stream *streamRenderer
		if format != formatText {
			if stream, err = newStreamRenderer(os.Stdout, format); err != nil {
				return err
			}
			defer stream.close()
		} else {
			fmt.Printf("✓ Command dispatched: %s\n", ticket.ID())
		}

		waitCtx := ctx
		if wait > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, wait)
			defer cancel()
		}

		resCh := make(chan *types.CommandResult, 1)
		errCh := make(chan error, 1)
		go func() {
			res, err := ticket.Result(waitCtx)
			if err != nil {
				errCh <- err
				return
			}
			resCh <- res
		}()

		for {
			select {
			case p := <-ticket.Progress():
				emitProgress(stream, p)
			case res := <-resCh:
				drainProgress(stream, ticket)
				return finishCommand(stream, res)
			case err := <-errCh:
				if ctx.Err() != nil {
					fmt.Fprintln(os.Stderr, "Detached; the command keeps running.")
					return errInterrupted
				}
				return err
			}
		}
	},
}

func init() {
	commandsCmd.AddCommand(commandsSendCmd)

	commandsSendCmd.Flags().String("payload", "{}", "Command payload as a JSON object")
	commandsSendCmd.Flags().String("priority", "", "Priority metadata: low, normal, high or critical")
	commandsSendCmd.Flags().Int64("timeout-ms", 0, "Per-attempt handler budget in milliseconds (0 keeps the default)")
	commandsSendCmd.Flags().Int("max-retries", 0, "Retry budget (0 keeps the default, negative disables retries)")
	commandsSendCmd.Flags().Duration("wait", 0, "Bound the wait for the result (0 waits until Ctrl+C)")
}

func emitProgress(stream *streamRenderer, p types.CommandProgress) {
	if stream != nil {
		_ = stream.emit(p)
		return
	}
	line := fmt.Sprintf("  %5.1f%%", p.Percent)
	if p.Status != "" {
		line += "  " + p.Status
	}
	fmt.Println(line)
}

// drainProgress flushes updates that arrived in the same instant as the
// result, so the transcript stays complete.
func drainProgress(stream *streamRenderer, ticket *client.CommandTicket) {
	for {
		select {
		case p := <-ticket.Progress():
			emitProgress(stream, p)
		default:
			return
		}
	}
}

func finishCommand(stream *streamRenderer, res *types.CommandResult) error {
	if stream != nil {
		if err := stream.emit(res); err != nil {
			return err
		}
	} else if res.Status == types.CommandCompleted {
		fmt.Println("✓ Completed")
		if len(res.Result) > 0 {
			if err := renderDoc(os.Stdout, formatJSON, res.Result); err != nil {
				return err
			}
		}
	}

	if res.Status != types.CommandCompleted {
		code, msg := "unknown", "no error detail"
		if res.Error != nil {
			code, msg = res.Error.Code, res.Error.Message
		}
		return fmt.Errorf("command %s: %s: %s", res.Status, code, msg)
	}
	return nil
}
