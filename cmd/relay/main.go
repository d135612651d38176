// Command relay runs the Vulcan Relay signal and control planes. Grounded
// on the teacher's cmd/v1/session/main.go wiring order (validator/hub
// construction, gin router, graceful shutdown on SIGINT/SIGTERM) and
// internal/v1/transport/hub.go's Shutdown, generalized from a single
// gin.Engine to the two independently addressed Signal and Control
// listeners.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vulcanrelay/relay/internal/buildinfo"
	"github.com/vulcanrelay/relay/internal/config"
	"github.com/vulcanrelay/relay/internal/control"
	"github.com/vulcanrelay/relay/internal/health"
	"github.com/vulcanrelay/relay/internal/logging"
	"github.com/vulcanrelay/relay/internal/metrics"
	"github.com/vulcanrelay/relay/internal/middleware"
	"github.com/vulcanrelay/relay/internal/ratelimit"
	"github.com/vulcanrelay/relay/internal/relay"
	"github.com/vulcanrelay/relay/internal/signaling"
	"github.com/vulcanrelay/relay/internal/tracing"
	"github.com/vulcanrelay/relay/internal/worker"
	"github.com/vulcanrelay/relay/internal/worker/fakeworker"
)

// defaultCodecs is the capability table forwarded to the media worker at
// Router-creation time.
var defaultCodecs = []worker.RtpCodecCapability{
	{Kind: worker.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
	{Kind: worker.MediaKindVideo, MimeType: "video/VP8", ClockRate: 90000},
	{Kind: worker.MediaKindVideo, MimeType: "video/H264", ClockRate: 90000},
}

func main() {
	cmd := &cobra.Command{
		Use:           "relay",
		Short:         "Vulcan Relay signal and control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	config.RegisterFlags(cmd)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return err
	}

	if err := logging.Initialize(false); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	logging.Info(context.Background(), "starting vulcan-relay", zap.String("version", buildinfo.Version))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OtelCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "vulcan-relay", cfg.OtelCollectorAddr)
		if err != nil {
			return fmt.Errorf("initializing tracer: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
	}
	limiter, err := ratelimit.New(cfg, redisClient)
	if err != nil {
		return fmt.Errorf("initializing rate limiter: %w", err)
	}

	// The native media worker is an external collaborator specified only
	// through the Worker interface; fakeworker is the in-process stand-in
	// wired here until a real worker implementation is deployed.
	mediaWorker := worker.NewBreakerWorker(fakeworker.New(), "media-worker")
	listenIp := worker.TransportListenIp{Ip: cfg.RtcIp, AnnouncedIp: cfg.RtcAnnounceIp}
	relayServer := relay.New(mediaWorker, defaultCodecs, listenIp)

	signalServer := signaling.NewServer(relayServer, limiter, !cfg.NoCors)
	signalRouter := gin.New()
	signalRouter.Use(gin.Recovery(), middleware.CorrelationID())
	signalServer.RegisterRoutes(signalRouter)

	controlHandler := control.NewHandler(relayServer)
	healthHandler := health.NewHandler(mediaWorker)
	controlRouter := gin.New()
	controlRouter.Use(gin.Recovery(), middleware.CorrelationID(), control.CORSMiddleware(!cfg.NoCors))
	controlRouter.Use(limiter.ControlMutationMiddleware())
	controlHandler.RegisterRoutes(controlRouter)
	controlRouter.GET("/health/live", healthHandler.Liveness)
	controlRouter.GET("/health/ready", healthHandler.Readiness)
	controlRouter.GET("/metrics", gin.WrapH(promhttp.Handler()))

	signalSrv := &http.Server{Addr: cfg.SignalAddr, Handler: signalRouter}
	controlSrv := &http.Server{Addr: cfg.ControlAddr, Handler: controlRouter}

	errCh := make(chan error, 2)
	go func() { errCh <- serve(signalSrv, cfg, "signal") }()
	go func() { errCh <- serve(controlSrv, cfg, "control") }()

	select {
	case <-ctx.Done():
		logging.Info(context.Background(), "shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logging.Error(context.Background(), "server exited unexpectedly", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = signalSrv.Shutdown(shutdownCtx)
	_ = controlSrv.Shutdown(shutdownCtx)
	_ = relayServer.Close(shutdownCtx)

	metrics.ActiveSignalConnections.Set(0)
	logging.Info(context.Background(), "shutdown complete")
	return nil
}

func serve(srv *http.Server, cfg *config.Config, name string) error {
	logging.Info(context.Background(), "listening", zap.String("server", name), zap.String("addr", srv.Addr))

	var err error
	if cfg.NoTLS {
		err = srv.ListenAndServe()
	} else {
		err = srv.ListenAndServeTLS(cfg.CertPath, cfg.KeyPath)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
