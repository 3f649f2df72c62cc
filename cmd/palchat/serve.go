package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ageniuscoder/palchat/backend/internal/api"
	"github.com/ageniuscoder/palchat/backend/internal/auth"
	"github.com/ageniuscoder/palchat/backend/internal/chat"
	"github.com/ageniuscoder/palchat/backend/internal/presence"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.NotValidf("empty JWT_SECRET")
			}
			b, err := openBackend(cfg)
			if err != nil {
				return err
			}
			defer b.db.Close()

			reg := prometheus.NewRegistry()
			metrics := chat.NewMetrics()
			reg.MustRegister(
				metrics,
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			tracker := presence.New(b.store, nil, cfg.TypingWindow())
			verifier := auth.JWTVerifier{Secret: cfg.JWTSecret, Users: b.store}
			hub := chat.NewHub(b.store, tracker, verifier, metrics, log, chat.Options{
				SendBuffer:     cfg.WSSendBuffer,
				EventsPerSec:   cfg.WSEventsPerSec,
				EventBurst:     cfg.WSEventBurst,
				StoreTimeout:   cfg.StoreTimeout(),
				AllowedOrigins: cfg.AllowedOrigins,
			})

			gin.SetMode(gin.ReleaseMode)
			srv := &http.Server{
				Addr: cfg.Addr,
				Handler: api.NewRouter(api.Deps{
					Store:    b.store,
					Presence: tracker,
					Hub:      hub,
					Verifier: verifier,
					DB:       b.db,
					Gatherer: reg,
					Log:      log,
				}),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info("listening", "addr", cfg.Addr, "driver", cfg.DBDriver)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return errors.Annotate(err, "http server")
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				log.Info("shutting down")
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				// Shutdown does not touch hijacked websocket conns; the hub closes those.
				err := srv.Shutdown(sctx)
				if herr := hub.Close(sctx); err == nil {
					err = herr
				}
				return errors.Trace(err)
			})
			return g.Wait()
		},
	}
}
