package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"groundedqa/internal/httpapi"
	"groundedqa/internal/service"
	"groundedqa/internal/watch"
)

func serveCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			srv := &http.Server{
				Addr: addr,
				Handler: httpapi.NewRouter(httpapi.RouterConfig{
					Service:    a.svc,
					Metrics:    a.metrics,
					AskTimeout: timeout,
					Log:        a.log,
				}),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.log.Info().Str("addr", addr).Msg("listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-cmd.Context().Done():
			}
			a.log.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.addr from config)")
	cmd.Flags().DurationVar(&timeout, "ask-timeout", 2*time.Minute, "upper bound for a single question")
	return cmd
}

func watchCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Build the index, then keep it in sync with the corpus directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.svc.Build(ctx, service.BuildRequest{Dir: dir})
			if err != nil {
				return err
			}
			a.log.Info().Int("indexed", report.Indexed).Int("unchanged", report.Unchanged).Msg("initial build done")

			debounce := time.Duration(a.cfg.Ingest.DebounceMs) * time.Millisecond
			w, err := watch.New(dir, a.svc, a.svc.Supports, debounce, a.log)
			if err != nil {
				return err
			}
			defer w.Close()
			err = w.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "corpus directory")
	return cmd
}
