package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edirooss/tinysched/internal/config"
	"github.com/edirooss/tinysched/internal/http/handler"
	mw "github.com/edirooss/tinysched/internal/http/middleware"
	"github.com/edirooss/tinysched/internal/kernel"
	"github.com/edirooss/tinysched/internal/repo"
	"github.com/edirooss/tinysched/internal/service"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var configPath string

func init() {
	// Handle version display
	handleFlags()
}

func main() {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	isDev := cfg.Dev || os.Getenv("ENV") == "dev"

	// Create Zap logger
	log := buildLogger(isDev)
	defer log.Sync()
	log = log.Named("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Kernel
	k, err := kernel.New(log, cfg.Kernel())
	if err != nil {
		log.Fatal("kernel creation failed", zap.Error(err))
	}

	// Snapshot publishing is optional; without Redis the daemon still runs.
	var store service.SnapshotStore
	if cfg.Redis.Address != "" {
		rp := repo.NewRepository(log, cfg.Redis.Address, cfg.Redis.DB)
		defer rp.Close()
		store = rp.Stats
	}
	statssvc := service.NewStatsService(log, k.Sched, k.Procs, store, service.StatsOptions{})

	// Create Gin router
	if !isDev {
		gin.SetMode(gin.ReleaseMode)
	}
	gin.DefaultWriter = zap.NewStdLog(log.Named("gin")).Writer() // Configure Gin's logger to use Zap
	r := gin.New()

	// Apply Gin middlewares
	{
		r.Use(gin.Recovery()) // Recovery first (outermost)
		r.Use(mw.RequestID()) // Attach request ID for tracing; early in the chain so it's available everywhere

		if isDev { // Enable CORS for local dashboards
			r.Use(cors.New(cors.Config{
				AllowOrigins:  []string{"http://localhost:5173", "http://localhost:3000", "http://127.0.0.1:3000"},
				AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowHeaders:  []string{"X-Request-ID", "Content-Type"},
				ExposeHeaders: []string{"X-Request-ID", "X-Total-Count", "X-Cache", "X-Snapshot-Generated-At", "Location"},
				MaxAge:        12 * time.Hour,
			}))
		} else { // Behind a reverse proxy
			r.SetTrustedProxies([]string{"127.0.0.1"})
			r.Use(secure.New(secure.Config{
				ContentTypeNosniff: true,
				FrameDeny:          true,
				SSLProxyHeaders: map[string]string{
					"X-Forwarded-Proto": "https",
				},
			}))
		}

		r.Use(mw.AccessLog(log)) // Observability

		r.Use(func(c *gin.Context) {
			// Enforce a hard 1MB max request body.
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
			c.Next()
		})
	}

	// Register route handlers
	handler.Register(r.Group("/api"), log, k, statssvc, cfg.MaxBlocking)

	httpsrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 2 * time.Second,  // kills header-drip Slowloris
		ReadTimeout:       10 * time.Second, // full request read (incl. body)
		IdleTimeout:       60 * time.Second, // keep-alive cap
		MaxHeaderBytes:    1 << 20,          // 1MB cap
		// No WriteTimeout: sleep and join hold the response open.
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return k.Run(gctx) })
	g.Go(func() error { return statssvc.Run(gctx, cfg.PublishInterval) })
	g.Go(func() error {
		log.Info("running HTTP server", zap.String("addr", httpsrv.Addr))
		if err := httpsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpsrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("stopped with error", zap.Error(err))
		return
	}
	log.Info("server closed")
}

// handleFlags parses -config and prints build metadata and exits when
// -v/--version is provided.
func handleFlags() {
	flag.StringVar(&configPath, "config", config.DefaultPath, "path to the YAML config file")
	v := flag.Bool("v", false, "print version and exit")
	flag.BoolVar(v, "version", false, "print version and exit")
	flag.Parse()

	if *v {
		fmt.Printf("schedd %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildDate)
		os.Exit(0)
	}
}

// helpers

func buildLogger(dev bool) *zap.Logger {
	if !dev {
		logConfig := zap.NewProductionConfig()
		logConfig.DisableStacktrace = true
		return zap.Must(logConfig.Build())
	}

	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	logConfig.Level.SetLevel(zap.DebugLevel)
	return zap.Must(logConfig.Build())
}
