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
	"github.com/spf13/pflag"

	"github.com/jwalitptl/access-api/internal/app"
	"github.com/jwalitptl/access-api/internal/config"
	"github.com/jwalitptl/access-api/internal/handler/health"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to config file")
	healthAddr := pflag.String("health-addr", ":8081", "address for health and metrics endpoints")
	pflag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log := app.NewLogger(cfg)

	if cfg.Database.Driver == "memory" {
		log.Fatal(errors.New("memory driver"), "the worker needs shared storage; the api runs workers in-process with the memory driver")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal(err, "failed to initialize application")
	}
	defer a.Close()

	srv := setupHealthCheck(*healthAddr, a)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "health check server failed")
			stop()
		}
	}()

	log.Info("worker started")
	if err := a.RunWorkers(ctx); err != nil {
		log.Error(err, "worker stopped with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("worker exited properly")
}

func setupHealthCheck(addr string, a *app.App) *http.Server {
	if a.Config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	h := health.NewHandler(map[string]health.Pinger{"database": a.Repos.Health})
	h.RegisterRoutes(engine.Group(""))
	engine.GET("/metrics", h.MetricsHandler())
	return &http.Server{Addr: addr, Handler: engine}
}
