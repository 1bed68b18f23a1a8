package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/rabbitsub"
	"github.com/glimte/rabbitsub/config"
	"github.com/glimte/rabbitsub/health"
	"github.com/glimte/rabbitsub/internal/rabbitmq"
	"github.com/glimte/rabbitsub/internal/reliability"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const defaultConfigPath = "rabbitsub.yaml"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// globalFlags are the connection settings every command accepts.
type globalFlags struct {
	configPath string
	host       string
	port       int
	user       string
	password   string
	vhost      string
	logLevel   string
	logFormat  string

	// clientOpts are appended to every client a command builds.
	clientOpts []rabbitsub.ClientOption
}

func (g *globalFlags) bind(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVarP(&g.configPath, "config", "c", "", "Path to the YAML configuration file")
	flags.StringVar(&g.host, "host", "", "Broker host")
	flags.IntVar(&g.port, "port", 0, "Broker port")
	flags.StringVar(&g.user, "user", "", "Broker user")
	flags.StringVar(&g.password, "password", "", "Broker password")
	flags.StringVar(&g.vhost, "vhost", "", "Broker virtual host")
	flags.StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&g.logFormat, "log-format", "", "Log format: text or json")
}

func newRootCmd(opts ...rabbitsub.ClientOption) *cobra.Command {
	g := &globalFlags{clientOpts: opts}

	rootCmd := &cobra.Command{
		Use:   "rabbitsub",
		Short: "Publish to and consume from RabbitMQ fanout exchanges",
		Long: `rabbitsub runs long-lived RabbitMQ consumers that survive broker restarts,
and publishes JSON messages to fanout exchanges.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	g.bind(rootCmd)
	rootCmd.AddCommand(
		newConsumeCmd(g),
		newPublishCmd(g),
		newInitCmd(),
		newHealthCmd(g),
	)
	return rootCmd
}

func newConsumeCmd(g *globalFlags) *cobra.Command {
	var (
		memory       int
		subscribes   []string
		echoExchange string
		echoQueue    string
		healthAddr   string
	)

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume messages with the configured subscribers",
		Long: `Consume registers every configured subscriber and handles messages one at a
time until SIGINT or SIGTERM, the memory ceiling, or the last failed reconnect.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides := map[string]any{}
			if cmd.Flags().Changed("memory") {
				overrides["memory"] = memory
			}
			if cmd.Flags().Changed("health-addr") {
				overrides["health_addr"] = healthAddr
			}
			cfg, err := loadConfig(cmd, g, overrides)
			if err != nil {
				return err
			}
			cfg.Subscribes = append(cfg.Subscribes, subscribes...)
			logger := newLogger(cfg)

			registry := rabbitsub.NewRegistry()
			if echoExchange != "" && echoQueue != "" {
				registry.MustRegister("echo", echoFactory(echoExchange, echoQueue, logger))
				if !contains(cfg.Subscribes, "echo") {
					cfg.Subscribes = append(cfg.Subscribes, "echo")
				}
			}

			client, err := g.newClient(cfg,
				rabbitsub.WithLogger(logger),
				rabbitsub.WithRegistry(registry))
			if err != nil {
				return err
			}
			defer client.Close()

			stop := client.Shutdown().NotifyOn(os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.HealthAddr != "" {
				srv := health.NewServer(cfg.HealthAddr, client.HealthRegistry())
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("health server failed", "error", err)
					}
				}()
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(ctx)
				}()
				logger.Info("health endpoint listening", "addr", cfg.HealthAddr)
			}

			reason, err := client.Run(cmd.Context())
			logger.Info("consumer stopped", "reason", reason.String())
			if !reason.Clean() {
				if err == nil {
					err = fmt.Errorf("consumer stopped: %s", reason)
				}
				return err
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&memory, "memory", "m", 128, "Memory ceiling in megabytes; 0 disables it")
	cmd.Flags().StringSliceVarP(&subscribes, "subscribe", "s", nil, "Subscriber identifiers to run, in addition to the configured ones")
	cmd.Flags().StringVar(&echoExchange, "echo-exchange", "", "Exchange for the built-in echo subscriber")
	cmd.Flags().StringVar(&echoQueue, "echo-queue", "", "Queue for the built-in echo subscriber")
	cmd.Flags().StringVar(&healthAddr, "health-addr", "", "Serve /healthz, /readyz and /livez on this address")
	return cmd
}

func newPublishCmd(g *globalFlags) *cobra.Command {
	var (
		batch     bool
		transient bool
		retries   int
	)

	cmd := &cobra.Command{
		Use:   "publish <exchange> <message> [messages...]",
		Short: "Publish JSON messages to a fanout exchange",
		Long: `Publish sends each argument after the exchange as a message. Arguments that
are not valid JSON are sent as JSON strings. With --batch they are flushed together.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, g, nil)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			client, err := g.newClient(cfg, rabbitsub.WithLogger(logger))
			if err != nil {
				return err
			}
			defer client.Close()

			exchange := args[0]
			messages := parseMessages(args[1:])
			opts := []rabbitsub.PublishOption{}
			if cmd.Flags().Changed("transient") {
				opts = append(opts, rabbitsub.Persistent(!transient))
			}

			ctx := cmd.Context()
			policy := reliability.DoublingBackoff(cfg.BackoffUnit, retries, rabbitmq.IsTransient)
			if batch {
				err = reliability.Retry(ctx, "publish", policy, func() error {
					return client.BatchPublish(ctx, exchange, messages, opts...)
				})
				if err != nil {
					return err
				}
			} else {
				// Each message is retried on its own so a failure never resends
				// the ones already confirmed.
				for i, msg := range messages {
					err := reliability.Retry(ctx, "publish", policy, func() error {
						return client.Publish(ctx, exchange, msg, opts...)
					})
					if err != nil {
						return fmt.Errorf("message %d: %w", i+1, err)
					}
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "published %d message(s) to %s\n", len(messages), exchange)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&batch, "batch", "b", false, "Publish all messages in one batch")
	cmd.Flags().BoolVar(&transient, "transient", false, "Publish with the transient delivery mode")
	cmd.Flags().IntVar(&retries, "retries", 0, "Retry transient failures this many times with exponential backoff")
	return cmd
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.Save(path, config.Default()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", path)
			return nil
		},
	}
}

func newHealthCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Connect once and print the health report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, g, nil)
			if err != nil {
				return err
			}
			client, err := g.newClient(cfg, rabbitsub.WithLogger(newLogger(cfg)))
			if err != nil {
				return err
			}
			defer client.Close()

			connectErr := client.Connection().EnsureInitialized()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			report := client.HealthRegistry().Check(ctx)

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(report); err != nil {
				return err
			}
			if report.Status == health.StatusUnhealthy {
				if connectErr != nil {
					return connectErr
				}
				return fmt.Errorf("status %s", report.Status)
			}
			return nil
		},
	}
}

func (g *globalFlags) newClient(cfg config.Config, opts ...rabbitsub.ClientOption) (*rabbitsub.Client, error) {
	return rabbitsub.NewClient(cfg, append(opts, g.clientOpts...)...)
}

// loadConfig builds the configuration from defaults, the optional file, the
// global flags that were set, and extra overrides, then validates it.
func loadConfig(cmd *cobra.Command, g *globalFlags, extra map[string]any) (config.Config, error) {
	cfg := config.Default()
	if g.configPath != "" {
		loaded, err := config.Load(g.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	overrides := map[string]any{}
	flags := cmd.Flags()
	set := func(flag, key string, value any) {
		if flags.Changed(flag) {
			overrides[key] = value
		}
	}
	set("host", "host", g.host)
	set("port", "port", g.port)
	set("user", "user", g.user)
	set("password", "password", g.password)
	set("vhost", "vhost", g.vhost)
	set("log-level", "log_level", g.logLevel)
	set("log-format", "log_format", g.logFormat)
	for k, v := range extra {
		overrides[k] = v
	}

	if len(overrides) > 0 {
		merged, err := cfg.Merge(overrides)
		if err != nil {
			return config.Config{}, err
		}
		cfg = merged
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// newLogger builds the process logger from log_level and log_format and makes
// it the slog default.
func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler).With("connection", cfg.ConnectionName)
	slog.SetDefault(logger)
	return logger
}

// echoFactory builds the subscriber that logs every payload it receives.
func echoFactory(exchange, queue string, logger *slog.Logger) rabbitsub.SubscriberFactory {
	return func() (rabbitsub.Subscriber, error) {
		return rabbitsub.NewSubscriber(exchange, queue, func(ctx context.Context, d rabbitsub.Delivery) error {
			logger.Info("echo", "exchange", exchange, "queue", queue, "payload", string(d.Body))
			return nil
		}), nil
	}
}

// parseMessages keeps valid JSON arguments as they are and sends anything else
// as a JSON string.
func parseMessages(args []string) []any {
	messages := make([]any, 0, len(args))
	for _, arg := range args {
		if json.Valid([]byte(arg)) {
			messages = append(messages, json.RawMessage(arg))
		} else {
			messages = append(messages, arg)
		}
	}
	return messages
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
