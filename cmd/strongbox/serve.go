package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/spf13/cobra"

	"github.com/dukerupert/strongbox/internal/handler"
	"github.com/dukerupert/strongbox/internal/push"
	"github.com/dukerupert/strongbox/internal/scheduler"
	"github.com/dukerupert/strongbox/internal/server"
	"github.com/dukerupert/strongbox/internal/store"
	ws "github.com/dukerupert/strongbox/internal/websocket"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the backup scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a := newApp()
		if err := a.unlock(ctx); err != nil {
			return err
		}

		hub := ws.NewHub(logger)
		go hub.Relay(ctx, a.runner.Updates(ctx))

		sched := scheduler.New(clock.WallClock, a.runner, a.settings, a.history, a.uploader, scheduler.Config{
			Interval:  cfg.ScheduleInterval,
			Budget:    cfg.ScheduleBudget,
			Retention: cfg.Retention,
		}, logger)
		sched.Start(ctx)

		var pushH *handler.PushHandler
		if cfg.Push.Enabled() {
			subs := store.NewPushStore(db)
			notifier := push.NewNotifier(push.NewService(cfg.Push), subs, logger)
			go notifier.Watch(ctx, a.runner.Updates(ctx))
			pushH = handler.NewPushHandler(subs, notifier, cfg.Push.VAPIDPublicKey, logger)
		}

		srv := server.New(server.Config{
			Backup:      handler.NewBackupHandler(a.runner, a.jobs, a.history, logger),
			Account:     handler.NewAccountHandler(a.account, logger),
			Attachments: handler.NewAttachmentHandler(a.media, a.upload, a.download, a.backlog, hub, logger),
			Settings:    handler.NewSettingsHandler(a.settings, hub, logger),
			Push:        pushH,
			Hub:         hub,
			Runner:      a.runner,
			Registry:    a.registry,
			APIToken:    cfg.APIToken,
		}, logger)

		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					srv.RateLimiter().Cleanup()
				case <-ctx.Done():
					return
				}
			}
		}()

		httpServer := &http.Server{
			Addr:         ":" + cfg.Port,
			Handler:      srv.Router(),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("strongbox listening", "addr", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		var serveErr error
		select {
		case <-ctx.Done():
		case serveErr = <-errCh:
		}

		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sched.Stop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "error", err)
		}
		a.shutdown(shutdownCtx)
		return serveErr
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
