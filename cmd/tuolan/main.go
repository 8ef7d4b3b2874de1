// Command tuolan is the CLI entrypoint: a version subcommand, a
// standalone migration subcommand, and a long-running "serve"
// subcommand that starts the webhook server and dispatch workers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/local/tuolan/internal/chatclient"
	"github.com/local/tuolan/internal/clock"
	"github.com/local/tuolan/internal/commands"
	"github.com/local/tuolan/internal/config"
	"github.com/local/tuolan/internal/httpserver"
	"github.com/local/tuolan/internal/imagegen"
	"github.com/local/tuolan/internal/intake"
	"github.com/local/tuolan/internal/intent"
	"github.com/local/tuolan/internal/llm"
	"github.com/local/tuolan/internal/metrics"
	"github.com/local/tuolan/internal/orchestrator"
	"github.com/local/tuolan/internal/state"
	"github.com/local/tuolan/internal/store"
	"github.com/local/tuolan/internal/webenrich"
)

const version = "0.1.0"

func setupLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
}

// buildOrchestrator wires the full collaborator graph from a loaded
// config, the shape
// every non-trivial subcommand (serve, and a future one-shot replay
// tool) needs.
func buildOrchestrator(cfg config.Config, reg *metrics.Registry) (*orchestrator.Orchestrator, *state.Store, *chatclient.Client, *commands.Handler, error) {
	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open store: %w", err)
	}

	messages := store.NewMessageRepository(db)
	settings := store.NewSettingsRepository(db)
	st := state.New(clock.Real{}, cfg.ChatLogsMaxLen, cfg.DedupFIFLen)

	gateway := llm.New(
		llm.Endpoint{BaseURL: cfg.LLMBaseURL, APIKey: cfg.LLMAPIKey, Model: cfg.LLMModel, Timeout: cfg.LLMTimeout},
		llm.Endpoint{BaseURL: cfg.SmallModelBaseURL, APIKey: cfg.SmallModelAPIKey, Model: cfg.SmallModel, Timeout: cfg.SmallModelTimeout},
	).WithMetrics(reg)
	classifier := intent.New(gateway)
	imageGen := imagegen.New(cfg.ImageModelBaseURL, cfg.ImageModelAPIKey, cfg.ImageModel, cfg.ImageTimeout)
	fetcher := webenrich.NewFetcher(10 * time.Second)
	search := webenrich.NewSearchClient(cfg.SearXNGURL, cfg.SearXNGTimeout)

	chat := chatclient.New(cfg.FeishuAppID, cfg.FeishuAppSecret, "")
	cmdHandler := commands.New(messages, settings, st, gateway, chat, cfg.MaxSummaryMessages)

	orchCfg := orchestrator.Config{
		BotAppID:            cfg.FeishuAppID,
		BotName:             cfg.BotName,
		ConversationTTL:     int64(cfg.ConversationTTL.Seconds()),
		ThinkingDelay:       cfg.ThinkingMessageDelay,
		MaxContextMessages:  cfg.MaxContextMessages,
		MaxImagesPerMessage: cfg.MaxImagesPerMessage,
		ImageMaxSize:        cfg.ImageMaxSize,
	}
	orch := orchestrator.New(orchCfg, messages, settings, st, gateway, classifier, imageGen, fetcher, search, chat, cmdHandler)
	return orch, st, chat, cmdHandler, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and dispatch workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			setupLogging(cfg.LogLevel)
			if missing := cfg.Validate(); len(missing) > 0 {
				return &config.ConfigInvalidError{Missing: missing}
			}

			reg := metrics.New()
			orch, st, _, cmdHandler, err := buildOrchestrator(cfg, reg)
			if err != nil {
				return err
			}

			dispatcher := orchestrator.NewDispatcher(orch, st, 2, 16).
				WithMetrics(reg).
				WithWelcomer(cmdHandler)

			intakeHandler := intake.New(cfg.FeishuVerificationToken, dispatcher).WithMetrics(reg)
			srv := httpserver.New(intakeHandler, dispatcher, reg)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				log.Info().Msg("shutdown signal received")
				cancel()
			}()

			go srv.PollDispatcherStats(ctx, dispatcher, 5*time.Second)

			log.Info().Str("addr", cfg.ListenAddr).Msg("starting tuolan webhook server")
			if err := srv.Listen(ctx, cfg.ListenAddr); err != nil {
				dispatcher.Shutdown()
				return err
			}
			dispatcher.Shutdown()
			log.Info().Msg("shutdown complete")
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run the messages/settings schema migration standalone",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			setupLogging(cfg.LogLevel)
			db, err := store.Open(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			fmt.Println("migration applied")
			return nil
		},
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tuolan",
		Short: "tuolan — conversation dispatch and response engine for a chat-platform assistant bot",
	}
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tuolan v%s\n", version)
		},
	})
	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
