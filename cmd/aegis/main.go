package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aegismesh/aegis/pkg/broker"
	"github.com/aegismesh/aegis/pkg/client"
	"github.com/aegismesh/aegis/pkg/codec"
	"github.com/aegismesh/aegis/pkg/config"
	"github.com/aegismesh/aegis/pkg/errdefs"
	"github.com/aegismesh/aegis/pkg/log"
	"github.com/aegismesh/aegis/pkg/service"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	defaultBrokerURL = "nats://127.0.0.1:4222"
	dialTimeout      = 10 * time.Second
	closeTimeout     = 2 * time.Second

	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

// errInterrupted marks a command ended by SIGINT or SIGTERM after a clean
// shutdown. main maps it to the interrupt exit code without printing.
var errInterrupted = errors.New("interrupted")

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errInterrupted) {
			os.Exit(service.ExitInterrupt)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to a process exit code: configuration and usage
// mistakes exit 64, everything else 70.
func exitCode(err error) int {
	if errdefs.IsConfig(err) || errdefs.IsInvalid(err) {
		return service.ExitConfig
	}
	return service.ExitRuntime
}

var rootCmd = &cobra.Command{
	Use:   "aegis",
	Short: "Aegis - operations CLI for the coordination mesh",
	Long: `Aegis is the operations CLI for services built on the aegis
coordination framework: inspect the service registry, check leader
elections, call RPC methods, publish and tail events, and dispatch
durable commands with live progress.

All traffic flows through the message broker; point --broker at the
same NATS deployment the services use.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := log.ErrorLevel
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			level = log.DebugLevel
		}
		log.Init(log.Config{Level: level, Output: os.Stderr})
	},
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Aegis version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("broker", "", "Broker URL (overrides config file and AEGIS_BROKER_URL)")
	rootCmd.PersistentFlags().String("config", "", "Path to aegis.yaml")
	rootCmd.PersistentFlags().String("serialization", "", "Payload codec: msgpack or json")
	rootCmd.PersistentFlags().StringP("output", "o", formatText, "Output format: text, json or yaml")
	rootCmd.PersistentFlags().Bool("verbose", false, "Debug logging on stderr")

	// Add subcommands
	rootCmd.AddCommand(registryCmd)
	rootCmd.AddCommand(leaderCmd)
	rootCmd.AddCommand(rpcCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(commandsCmd)
}

// loadSettings resolves connection settings from flags, config file and
// environment, highest precedence first. The CLI is not a service member,
// so the full service validation (service_name, heartbeat cadence) does
// not apply; only the broker and codec keys are checked.
func loadSettings(cmd *cobra.Command) (*config.Config, error) {
	cfgFile, _ := cmd.Flags().GetString("config")

	loader := config.NewLoader("AEGIS")
	loader.SetDefaults()

	cfg := &config.Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}

	if url, _ := cmd.Flags().GetString("broker"); url != "" {
		cfg.BrokerURL = url
	}
	if name, _ := cmd.Flags().GetString("serialization"); name != "" {
		cfg.Serialization = name
	}
	if cfg.BrokerURL == "" {
		cfg.BrokerURL = defaultBrokerURL
	}
	if _, err := codec.ForName(cfg.Serialization); err != nil {
		return nil, err
	}
	return cfg, nil
}

// dialBroker connects to the configured broker within dialTimeout.
func dialBroker(ctx context.Context, cfg *config.Config) (broker.Broker, error) {
	b, err := broker.New(broker.Options{URL: cfg.BrokerURL, Name: "aegis-cli"})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrConfig, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := b.Connect(dialCtx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.BrokerURL, err)
	}
	return b, nil
}

func closeBroker(b broker.Broker) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_ = b.Close(ctx)
}

func newClient(cfg *config.Config, b broker.Broker) *client.Client {
	return client.New(b, client.Options{
		Codec:       cfg.Codec(),
		RegistryTTL: cfg.RegistryTTL(),
	})
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func outputFormat(cmd *cobra.Command) string {
	format, _ := cmd.Flags().GetString("output")
	return format
}

// renderDoc writes v to out as a single indented JSON or YAML document.
func renderDoc(out io.Writer, format string, v any) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		plain, err := yamlValue(v)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(out)
		defer enc.Close()
		return enc.Encode(plain)
	default:
		return fmt.Errorf("%w: unknown output format %q", errdefs.ErrInvalid, format)
	}
}

// compactJSON renders v on one line for text output.
func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// yamlValue round-trips v through its JSON encoding so YAML output carries
// the same snake_case field names as -o json.
func yamlValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrSerialization, err)
	}
	var plain any
	if err := json.Unmarshal(data, &plain); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrSerialization, err)
	}
	return plain, nil
}

// streamRenderer emits a sequence of documents: one JSON object per line,
// or ---separated YAML documents.
type streamRenderer struct {
	format string
	json   *json.Encoder
	yaml   *yaml.Encoder
}

func newStreamRenderer(out io.Writer, format string) (*streamRenderer, error) {
	r := &streamRenderer{format: format}
	switch format {
	case formatJSON:
		r.json = json.NewEncoder(out)
	case formatYAML:
		r.yaml = yaml.NewEncoder(out)
	default:
		return nil, fmt.Errorf("%w: unknown output format %q", errdefs.ErrInvalid, format)
	}
	return r, nil
}

func (r *streamRenderer) emit(v any) error {
	if r.json != nil {
		return r.json.Encode(v)
	}
	plain, err := yamlValue(v)
	if err != nil {
		return err
	}
	return r.yaml.Encode(plain)
}

func (r *streamRenderer) close() {
	if r.yaml != nil {
		_ = r.yaml.Close()
	}
}
