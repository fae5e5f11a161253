// Command usagebar-host is the status-bar application's plugin host: it
// loads, verifies, sandboxes and supervises untrusted JavaScript plugins and
// serves their outputs to the UI process over local IPC.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuk-labs/usagebar/infrastructure/config"
	"github.com/cuk-labs/usagebar/infrastructure/securefetch"
	"github.com/cuk-labs/usagebar/infrastructure/trust"
	"github.com/cuk-labs/usagebar/internal/host/bus"
	"github.com/cuk-labs/usagebar/internal/host/lifecycle"
	"github.com/cuk-labs/usagebar/internal/host/permission"
	"github.com/cuk-labs/usagebar/internal/host/ratelimit"
	"github.com/cuk-labs/usagebar/internal/host/resultcache"
	"github.com/cuk-labs/usagebar/internal/host/retry"
	"github.com/cuk-labs/usagebar/internal/host/sandbox"
	"github.com/cuk-labs/usagebar/internal/host/scheduler"
	"github.com/cuk-labs/usagebar/internal/host/timerreg"
	"github.com/cuk-labs/usagebar/internal/ipc"
	"github.com/cuk-labs/usagebar/pkg/logger"
	"github.com/cuk-labs/usagebar/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "usagebar.yaml", "path to host config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.NewDefault("main").WithError(err).Fatal("configuration invalid")
	}

	log := logger.New(cfg.Logging)
	mets := metrics.New()

	keyring := trust.NewKeyring()
	if err := keyring.LoadUserKeys(cfg.TrustedKeysPath); err != nil {
		log.WithError(err).Warn("user trusted keys unavailable")
	}

	retrier, err := retry.New(retry.DefaultConfig())
	if err != nil {
		log.WithError(err).Fatal("retry configuration invalid")
	}

	checker := permission.NewChecker()
	eventBus := bus.New(cfg.Bus, log, mets)

	manager := lifecycle.NewManager(cfg.Lifecycle, lifecycle.Deps{
		Log:     log,
		Metrics: mets,
		Keyring: keyring,
		Runtime: sandbox.NewRuntime(cfg.Sandbox, log, mets),
		Fetch:   securefetch.New(cfg.Fetch, log, mets),
		Timers:  timerreg.New(log),
		Bus:     eventBus,
		Router:  bus.NewRouter(checker, log),
		Checker: checker,
		Limiter: ratelimit.New(cfg.RateLimit, log),
		Retrier: retrier,
		Cache:   resultcache.New(cfg.CacheCapacity, mets),
		Sched:   scheduler.New(cfg.Scheduler, log, mets),
		Cron:    scheduler.NewRefreshCron(log),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.Init(ctx); err != nil {
		log.WithError(err).Fatal("plugin host failed to initialise")
	}

	server := ipc.New(ipc.Config{Addr: cfg.IPCAddr}, manager, eventBus, log)
	go func() {
		if err := server.Start(); err != nil {
			log.WithError(err).Error("ipc server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("ipc shutdown incomplete")
	}
	manager.Shutdown(shutdownCtx)
}
