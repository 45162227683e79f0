package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"groundedqa/internal/config"
	"groundedqa/internal/domain"
	"groundedqa/internal/logger"
	"groundedqa/internal/metrics"
	"groundedqa/internal/service"
	"groundedqa/internal/synth"
	"groundedqa/internal/tui"
)

var configPath string

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "groundedqa",
		Short:         "Answer questions from a local document corpus with cited sources",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ./config.yaml, then ~/.config/groundedqa/config.yaml)")

	root.AddCommand(buildCmd())
	root.AddCommand(askCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(watchCmd())
	root.AddCommand(statsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorText(err))
		stop()
		os.Exit(1)
	}
}

// errorText prefers the user-facing message and falls back to the raw error
// for failures outside the pipeline, such as a bad flag.
func errorText(err error) string {
	for _, known := range []error{
		context.Canceled, context.DeadlineExceeded,
		domain.ErrEmbeddingService, domain.ErrGenerationService,
		domain.ErrDimensionMismatch, domain.ErrIndexCorruption,
		domain.ErrConfiguration, domain.ErrInvalidArgument,
	} {
		if errors.Is(err, known) {
			return service.UserMessage(err)
		}
	}
	return "error: " + err.Error()
}

// app is what every subcommand needs once the config is loaded.
type app struct {
	cfg     *config.AppConfig
	log     zerolog.Logger
	metrics *metrics.Metrics
	svc     *service.RAGService
}

func loadApp(ctx context.Context) (*app, error) {
	var (
		cfg *config.AppConfig
		err error
	)
	if configPath == "" {
		cfg, _, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(configPath)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Logging)
	m := metrics.New()
	svc, err := service.FromConfig(ctx, cfg, log, m)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log, metrics: m, svc: svc}, nil
}

func (a *app) close() {
	if err := a.svc.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close")
	}
}

func buildCmd() *cobra.Command {
	var (
		dir     string
		rebuild bool
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Ingest a corpus directory into the index",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			report, err := a.svc.Build(cmd.Context(), service.BuildRequest{Dir: dir, Rebuild: rebuild})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "corpus directory")
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "replace the whole index instead of updating it")
	return cmd
}

func askCmd() *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "ask QUESTION...",
		Short: "Answer one question and print its sources",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()
			streamed := false
			answer, err := a.svc.Ask(cmd.Context(), strings.Join(args, " "), session,
				service.WithStreaming(func(s string) {
					streamed = true
					fmt.Fprint(out, s)
				}))
			if err != nil {
				if streamed {
					fmt.Fprintln(out)
				}
				return err
			}
			if !streamed {
				fmt.Fprint(out, answer.Text)
			}
			fmt.Fprintln(out)
			if src := synth.FormatSources(answer); src != "" {
				fmt.Fprint(out, "\n"+src)
			}
			fmt.Fprintf(out, "\nConfidence: %s\n", answer.Confidence)
			return nil
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "cli", "conversation session id")
	return cmd
}

func chatCmd() *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			if session == "" {
				session = uuid.NewString()
			}
			stats, err := a.svc.Stats(cmd.Context())
			if err != nil {
				return err
			}
			summary := fmt.Sprintf("%d documents, %d chunks, model %s", stats.Documents, stats.Entries, stats.Model)
			_, err = tea.NewProgram(tui.New(cmd.Context(), a.svc, session, summary), tea.WithAltScreen(), tea.WithContext(cmd.Context())).Run()
			if errors.Is(err, tea.ErrProgramKilled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "resume a session (default: a new one)")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Describe the index",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			stats, err := a.svc.Stats(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}
}
