package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"airelay/internal/channel"
	"airelay/internal/config"
	"airelay/internal/domain"
	"airelay/internal/ledger"
	"airelay/internal/provider"
	"airelay/internal/relay"
	"airelay/internal/server"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:           "airelay",
		Short:         "airelay: streaming relay between chat clients and AI providers",
		Long:          "airelay accepts WebSocket chat events and streams replies from Gemini, Claude, OpenAI, Perplexity and OpenAI Assistants back to the client.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json or config.yaml (default: ~/.airelay/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(providersCmd())
	root.AddCommand(sessionsCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		logger.Error("command failed", "err", err)
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig reads .env, then the config file (or defaults), and rebuilds
// the global logger from the log section.
func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOrDefaults(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	logger = newLogger(cfg.Log)
	slog.SetDefault(logger)
	return cfg, nil
}

func newLogger(lc config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(lc.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return err
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

// openLedger opens the session ledger when enabled. The returned recorder is
// nil when the ledger is off.
func openLedger(cfg *config.Config) (*ledger.Store, error) {
	if !cfg.Ledger.Enabled {
		return nil, nil
	}
	store, err := ledger.Open(cfg.Ledger.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("session ledger: %w", err)
	}
	return store, nil
}

func newRelay(cfg *config.Config, factory *provider.Factory, store *ledger.Store, lineBreak string) *relay.Relay {
	rc := relay.Config{
		LineBreak:       lineBreak,
		EndMessage:      cfg.Relay.EndMessage,
		FallbackMessage: cfg.Relay.FallbackMessage,
		Logger:          logger,
	}
	if store != nil {
		rc.Recorder = store
	}
	return relay.New(factory, rc)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the WebSocket relay server",
		Long:  "Serves the WebSocket endpoint, /healthz and /metrics until interrupted.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openLedger(cfg)
	if err != nil {
		return err
	}
	var sessions server.SessionLister
	if store != nil {
		defer store.Close()
		sessions = store
	}

	factory := provider.NewFactory(cfg, logger)
	for _, st := range factory.Status() {
		switch {
		case !st.Enabled:
			logger.Warn("provider disabled, its events will get the fallback message", "provider", st.Kind)
		case !st.Configured:
			logger.Warn("provider has no credentials, its events will get the fallback message", "provider", st.Kind)
		}
	}

	r := newRelay(cfg, factory, store, cfg.Relay.LineBreak)
	ws := channel.NewWebSocketChannel(channel.WSConfig{
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		PingInterval:    time.Duration(cfg.Server.PingIntervalSeconds) * time.Second,
		PongWait:        time.Duration(cfg.Server.PongWaitSeconds) * time.Second,
		MaxConcurrent:   cfg.Server.MaxConcurrentRequests,
		Policy: channel.AttachmentPolicy{
			MaxAttachments:     cfg.Relay.MaxAttachments,
			RejectMimePrefixes: cfg.Relay.RejectMimePrefixes,
		},
		Logger: logger,
	}, r)

	srv := server.New(server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		WSPath:          cfg.Server.WSPath,
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsPath:     cfg.Metrics.Path,
		ShutdownTimeout: time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second,
		Version:         version,
		Logger:          logger,
	}, ws, factory, sessions)

	if err := srv.Start(ctx); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func chatCmd() *cobra.Command {
	var (
		providerName string
		files        []string
		spinner      bool
	)
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Relay a message to one provider and print the streamed reply",
		Long:  "With a message argument, sends it once and exits. Without one, starts an interactive session.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			kind := domain.ProviderKind(strings.ToLower(providerName))
			if kind.EventName() == "" {
				return fmt.Errorf("%w: %s", provider.ErrUnknownProvider, providerName)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := openLedger(cfg)
			if err != nil {
				return err
			}
			if store != nil {
				defer store.Close()
			}

			r := newRelay(cfg, provider.NewFactory(cfg, logger), store, "\n")
			cli := channel.NewCLI(channel.CLIConfig{
				Event:   kind.EventName(),
				Spinner: spinner,
				Logger:  logger,
			}, r)

			if len(args) == 0 {
				if len(files) > 0 {
					return fmt.Errorf("--file needs a message argument")
				}
				return cli.Run(ctx)
			}

			atts, err := readAttachments(files)
			if err != nil {
				return err
			}
			return cli.Send(ctx, strings.Join(args, " "), atts)
		},
	}
	cmd.Flags().StringVarP(&providerName, "provider", "p", string(domain.KindGemini), "provider: gemini, claude, openai, perplexity, assistant")
	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "attach a file (repeatable)")
	cmd.Flags().BoolVar(&spinner, "spinner", true, "show a spinner while waiting for the first delta")
	return cmd
}

// readAttachments loads files from disk. The mime type comes from the
// extension, falling back to content sniffing.
func readAttachments(paths []string) ([]domain.Attachment, error) {
	atts := make([]domain.Attachment, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read attachment: %w", err)
		}
		mt := mime.TypeByExtension(filepath.Ext(p))
		if mt == "" {
			mt = http.DetectContentType(data)
		}
		atts = append(atts, domain.Attachment{MimeType: mt, Data: data, Name: filepath.Base(p)})
	}
	return atts, nil
}

func providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List providers and whether they have credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROVIDER\tEVENT\tENABLED\tCONFIGURED\tMODEL")
			for _, st := range provider.NewFactory(cfg, logger).Status() {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%s\n", st.Kind, st.Event, st.Enabled, st.Configured, st.Model)
			}
			return tw.Flush()
		},
	}
}

func sessionsCmd() *cobra.Command {
	var (
		limit   int
		summary bool
		pruneH  int
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Show recent relay sessions from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := ledger.Open(cfg.Ledger.DBPath, logger)
			if err != nil {
				return fmt.Errorf("session ledger: %w", err)
			}
			defer store.Close()
			ctx := cmd.Context()

			if pruneH > 0 {
				n, err := store.Prune(ctx, time.Now().Add(-time.Duration(pruneH)*time.Hour))
				if err != nil {
					return err
				}
				fmt.Printf("removed %d session(s)\n", n)
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			defer tw.Flush()

			if summary {
				rows, err := store.Summary(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(tw, "PROVIDER\tCOMPLETED\tFAILED\tCANCELED\tAVG MS")
				for _, s := range rows {
					fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", s.Provider, s.Completed, s.Failed, s.Canceled, s.AvgDurationMs)
				}
				return nil
			}

			recs, err := store.List(ctx, limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(tw, "STARTED\tPROVIDER\tSTATUS\tDELTAS\tBYTES\tFIRST MS\tTOTAL MS\tERROR")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
					r.StartedAt.Local().Format(time.DateTime), r.Provider, r.Status, r.Deltas, r.OutputBytes,
					r.FirstDelta.Milliseconds(), r.Duration.Milliseconds(), r.ErrorClass)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of sessions to show")
	cmd.Flags().BoolVar(&summary, "summary", false, "aggregate by provider")
	cmd.Flags().IntVar(&pruneH, "prune-older-than", 0, "delete sessions older than this many hours")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. server.port)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. providers.claude.model claude-3-5-haiku-latest)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefaults(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("airelay %s\n", version)
		},
	}
}
