package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/aegismesh/aegis/pkg/broker"
	"github.com/aegismesh/aegis/pkg/election"
	"github.com/aegismesh/aegis/pkg/kv"
	"github.com/aegismesh/aegis/pkg/registry"
	"github.com/aegismesh/aegis/pkg/types"
	"github.com/spf13/cobra"
)

// Registry commands
var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect the service registry",
}

var registryLsCmd = &cobra.Command{
	Use:   "ls [service]",
	Short: "List live service instances",
	Long: `List the live instances of one service, or of every registered
service when no argument is given. Instances whose heartbeat is older
than the registry TTL are filtered out.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := ""
		if len(args) == 1 {
			svc = args[0]
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

		instances, err := cl.Discover(ctx, svc)
		if err != nil {
			return err
		}

		if format := outputFormat(cmd); format != formatText {
			return renderDoc(os.Stdout, format, instances)
		}

		if len(instances) == 0 {
			fmt.Println("No live instances.")
			return nil
		}
		printInstances(instances)
		return nil
	},
}

var registryWatchCmd = &cobra.Command{
	Use:   "watch [service]",
	Short: "Stream registry changes",
	Long: `Stream added/updated/removed events for one service, or for the
whole registry when no argument is given. Current entries are replayed
as added events first. Press Ctrl+C to stop.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := ""
		if len(args) == 1 {
			svc = args[0]
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

		reg, err := cl.Registry(ctx)
		if err != nil {
			return err
		}
		watcher, err := reg.Watch(ctx, types.ServiceName(svc))
		if err != nil {
			return err
		}
		defer watcher.Stop()

		format := outputFormat(cmd)
		var stream *streamRenderer
		if format != formatText {
			if stream, err = newStreamRenderer(os.Stdout, format); err != nil {
				return err
			}
			defer stream.close()
		}

		for {
			ev, err := watcher.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return errInterrupted
				}
				return err
			}
			if stream != nil {
				if err := stream.emit(watchEventView(ev)); err != nil {
					return err
				}
				continue
			}
			printWatchEvent(ev)
		}
	},
}

// Leader command
var leaderCmd = &cobra.Command{
	Use:   "leader <service> <group>",
	Short: "Show the current leader of an election group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, group := types.ServiceName(args[0]), args[1]
		if err := svc.Validate(); err != nil {
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

		// The leader bucket must be opened with the TTL the contenders
		// created it with, which follows from the failover policy.
		leaderTTL := cfg.Policy().LeaderTTL
		bucket, err := b.KeyValue(ctx, broker.BucketConfig{
			Name: election.BucketName,
			TTL:  leaderTTL,
		})
		if err != nil {
			return fmt.Errorf("failed to open leader bucket: %w", err)
		}
		store := kv.New(bucket, kv.Options{BucketTTL: leaderTTL, Codec: cfg.Codec()})
		defer store.Close()

		info, err := election.CurrentLeader(ctx, store, svc, group)
		if err != nil {
			return err
		}

		if format := outputFormat(cmd); format != formatText {
			return renderDoc(os.Stdout, format, leaderView{
				Key:    election.LeaderKey(svc, group),
				Leader: info,
			})
		}

		if info == nil {
			fmt.Printf("No leader for %s/%s.\n", svc, group)
			return nil
		}
		fmt.Printf("Key:      %s\n", election.LeaderKey(svc, group))
		fmt.Printf("Leader:   %s\n", info.InstanceID)
		fmt.Printf("Acquired: %s (%s ago)\n",
			info.AcquiredAt.Format(time.RFC3339),
			time.Since(info.AcquiredAt).Round(time.Second),
		)
		return nil
	},
}

func init() {
	registryCmd.AddCommand(registryLsCmd)
	registryCmd.AddCommand(registryWatchCmd)
}

type leaderView struct {
	Key    string            `json:"key"`
	Leader *types.LeaderInfo `json:"leader"`
}

type instanceEvent struct {
	Type     string                 `json:"type"`
	Service  types.ServiceName      `json:"service"`
	Instance *types.ServiceInstance `json:"instance,omitempty"`
}

func watchEventView(ev registry.Event) instanceEvent {
	return instanceEvent{
		Type:     string(ev.Type),
		Service:  ev.Service,
		Instance: ev.Instance,
	}
}

func printInstances(instances []*types.ServiceInstance) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tINSTANCE\tVERSION\tSTATUS\tROLE\tHEARTBEAT")
	for _, inst := range instances {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s ago\n",
			inst.ServiceName,
			inst.InstanceID,
			orDash(inst.Version),
			inst.Status,
			instanceRole(inst),
			time.Since(inst.LastHeartbeat).Round(time.Second),
		)
	}
	w.Flush()
}

func printWatchEvent(ev registry.Event) {
	if ev.Instance == nil {
		fmt.Printf("%-8s %s\n", ev.Type, ev.Service)
		return
	}
	fmt.Printf("%-8s %s/%s status=%s role=%s\n",
		ev.Type, ev.Service, ev.Instance.InstanceID,
		ev.Instance.Status, instanceRole(ev.Instance),
	)
}

// instanceRole renders the sticky-active role column, "-" for services
// that do not run elections.
func instanceRole(inst *types.ServiceInstance) string {
	if inst.StickyActiveStatus == nil {
		return "-"
	}
	return fmt.Sprintf("%s(%s)", *inst.StickyActiveStatus, inst.StickyActiveGroup)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
