package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aegismesh/aegis/pkg/errdefs"
	"github.com/spf13/cobra"
)

// RPC command
var rpcCmd = &cobra.Command{
	Use:   "rpc <service> <method>",
	Short: "Call an RPC method on a service",
	Long: `Call an RPC method and print the result. Parameters are passed as
a JSON object via --params; the call is load-balanced across the live
instances of the service.

Example:
  aegis rpc payments get_balance --params '{"account":"acc-1"}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, method := args[0], args[1]
		paramsJSON, _ := cmd.Flags().GetString("params")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		params, err := parsePayload(paramsJSON)
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

		resp, err := cl.CallRPC(ctx, svc, method, params, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return errInterrupted
			}
			return err
		}

		if format := outputFormat(cmd); format != formatText {
			return renderDoc(os.Stdout, format, resp)
		}

		if !resp.Success {
			code, msg := "unknown", "no error detail"
			if resp.Error != nil {
				code, msg = resp.Error.Code, resp.Error.Message
			}
			return fmt.Errorf("%s.%s failed: %s: %s", svc, method, code, msg)
		}
		return renderDoc(os.Stdout, formatJSON, resp.Result)
	},
}

func init() {
	rpcCmd.Flags().String("params", "{}", "Method parameters as a JSON object")
	rpcCmd.Flags().Duration("timeout", 5*time.Second, "Handler budget for the call")
}

// parsePayload decodes a JSON object flag into the map the envelopes carry.
func parsePayload(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("%w: payload must be a JSON object: %v", errdefs.ErrInvalid, err)
	}
	return m, nil
}
