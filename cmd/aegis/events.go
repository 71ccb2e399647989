package main

import (
	"fmt"
	"os"
	"time"

	"github.com/aegismesh/aegis/pkg/types"
	"github.com/spf13/cobra"
)

// Event commands
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Publish and tail events",
}

var eventsPubCmd = &cobra.Command{
	Use:   "pub <type>",
	Short: "Publish an event",
	Long: `Publish a fire-and-forget event. The type is dot-separated with the
domain first, e.g. orders.created; the payload is a JSON object.

Example:
  aegis events pub orders.created --payload '{"order_id":"o-17"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eventType := args[0]
		payloadJSON, _ := cmd.Flags().GetString("payload")
		source, _ := cmd.Flags().GetString("source")

		payload, err := parsePayload(payloadJSON)
		if err != nil {
			return err
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

		if err := cl.PublishEvent(ctx, eventType, payload, source); err != nil {
			return err
		}
		fmt.Printf("✓ Published %s\n", eventType)
		return nil
	},
}

var eventsSubCmd = &cobra.Command{
	Use:   "sub <pattern>",
	Short: "Stream events matching a pattern",
	Long: `Subscribe to events matching a subject pattern and print each one.
Patterns use * for one segment and > for the rest, e.g. orders.* or
orders.>. Press Ctrl+C to stop.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pattern := args[0]

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

		format := outputFormat(cmd)
		var stream *streamRenderer
		if format != formatText {
			if stream, err = newStreamRenderer(os.Stdout, format); err != nil {
				return err
			}
			defer stream.close()
		}

		sub, err := cl.SubscribeEvent(pattern, func(ev *types.Event) {
			if stream != nil {
				_ = stream.emit(ev)
				return
			}
			printEvent(ev)
		})
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()

		fmt.Fprintf(os.Stderr, "Subscribed to %s. Press Ctrl+C to stop.\n", pattern)
		<-ctx.Done()
		return errInterrupted
	},
}

func init() {
	eventsCmd.AddCommand(eventsPubCmd)
	eventsCmd.AddCommand(eventsSubCmd)

	eventsPubCmd.Flags().String("payload", "{}", "Event payload as a JSON object")
	eventsPubCmd.Flags().String("source", "aegis-cli", "Source recorded in the envelope")
}

func printEvent(ev *types.Event) {
	line := fmt.Sprintf("%s  %s", ev.Timestamp.Format(time.RFC3339), ev.EventType)
	if ev.Source != "" {
		line += fmt.Sprintf("  from %s", ev.Source)
	}
	if len(ev.Payload) > 0 {
		line += fmt.Sprintf("  %s", compactJSON(ev.Payload))
	}
	fmt.Println(line)
}
