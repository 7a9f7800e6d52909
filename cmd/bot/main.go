// Command bot runs the trading engine: it loads configuration, reconciles
// local state against the broker, then drives one reconciliation loop per
// configured bot until interrupted.
//
// Operators resolve orphaned positions out of band:
//
//	bot -config config.yaml -resolve-orphan <position-id> -resolution flat
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"condorbot/internal/advisor"
	"condorbot/internal/broker"
	"condorbot/internal/config"
	"condorbot/internal/dashboard"
	"condorbot/internal/engine"
	"condorbot/internal/executor"
	"condorbot/internal/governor"
	"condorbot/internal/logging"
	"condorbot/internal/storage"
	"condorbot/internal/strategy"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML configuration")
	resolveID := flag.String("resolve-orphan", "", "position ID to resolve and exit")
	resolution := flag.String("resolution", "", "orphan resolution verdict: open, closed or flat")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	log.WithFields(logrus.Fields{
		"environment": cfg.Environment,
		"bots":        len(cfg.Bots),
	}).Info("starting condorbot")

	if err := run(cfg, log, *resolveID, *resolution); err != nil {
		log.WithError(err).Fatal("exiting")
	}
}

func run(cfg *config.Config, log *logrus.Logger, resolveID, resolution string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gov := governor.New(governor.Config{
		Ceiling: cfg.Governor.Ceiling,
		Window:  cfg.GovernorWindow(),
		Tracker: buildTracker(cfg, log),
	})

	api := broker.NewAPIClient(cfg.Broker.APIKey, cfg.Broker.AccountID, cfg.Broker.BaseURL, log).
		WithTimeout(time.Duration(cfg.Broker.TimeoutSec) * time.Second)
	brk := broker.NewGovernedBroker(broker.NewCircuitBreakerBroker(api, log), gov)

	store, err := storage.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			log.WithError(cerr).Warn("store close failed")
		}
	}()

	adv := advisor.NewHTTPAdvisor(cfg.Advisor.BaseURL, gov, log)
	exec := executor.New(brk, store, log)
	planner := strategy.NewPlanner(brk, log)
	eng := engine.New(store, brk, exec, adv, planner, gov, log)

	if resolveID != "" {
		res := engine.OrphanResolution(resolution)
		switch res {
		case engine.ResolveOpen, engine.ResolveClosed, engine.ResolveFlat:
		default:
			return fmt.Errorf("-resolution must be open, closed or flat, got %q", resolution)
		}
		if err := eng.ResolveOrphan(ctx, resolveID, res); err != nil {
			return fmt.Errorf("resolve orphan %s: %w", resolveID, err)
		}
		log.WithFields(logrus.Fields{"position": resolveID, "resolution": res}).
			Info("orphan resolved")
		return nil
	}

	// Trading never starts on an unverified account.
	if err := eng.ReconcileStartup(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Dashboard.Enabled {
		srv := dashboard.NewServer(cfg.Dashboard.Listen, eng, log)
		g.Go(srv.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	for _, bc := range cfg.Bots {
		bot := botSpec(bc)
		g.Go(func() error {
			return runLoop(ctx, eng, bot, cfg, log)
		})
	}

	log.WithField("interval", cfg.CycleInterval()).Info("reconciliation loops running")
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}

// runLoop ticks one bot until ctx is cancelled. An overrunning cycle causes
// later ticks to be skipped by the engine, never queued.
func runLoop(ctx context.Context, eng *engine.Engine, bot engine.BotSpec,
	cfg *config.Config, log *logrus.Logger) error {
	ticker := time.NewTicker(cfg.CycleInterval())
	defer ticker.Stop()

	cycle := func() {
		cctx, cancel := context.WithTimeout(ctx, cfg.CycleTimeout())
		defer cancel()
		if err := eng.RunCycle(cctx, bot); err != nil && err != engine.ErrCycleRunning {
			log.WithError(err).WithField("bot", bot.ID).Error("cycle failed")
		}
	}

	cycle()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cycle()
		}
	}
}

// buildTracker shares the rate window through Redis when configured, so
// multiple processes on one account stay under a single ceiling.
func buildTracker(cfg *config.Config, log *logrus.Logger) governor.WindowTracker {
	if cfg.Governor.Redis.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Governor.Redis.Addr})
	log.WithField("addr", cfg.Governor.Redis.Addr).Info("sharing rate window via redis")
	return governor.NewRedisWindow(client, cfg.Governor.Redis.Key,
		cfg.Governor.Ceiling, cfg.GovernorWindow())
}

func botSpec(bc config.BotConfig) engine.BotSpec {
	return engine.BotSpec{
		ID:     bc.ID,
		Symbol: bc.Symbol,
		Strategy: strategy.Spec{
			Symbol:          bc.Symbol,
			ShortOffsetPct:  bc.Strategy.ShortOffsetPct,
			WingWidth:       bc.Strategy.WingWidth,
			StrikeIncrement: bc.Strategy.StrikeIncrement,
			SizePct:         bc.Strategy.SizePct,
			MinCredit:       bc.Strategy.MinCredit,
			TargetDTE:       bc.Strategy.TargetDTE,
		},
		MaxPositions:    bc.MaxPositions,
		ProfitTargetPct: bc.ProfitTargetPct,
		StopLossPct:     bc.StopLossPct,
		ForceCloseDTE:   bc.ForceCloseDTE,
		MaxHoldDays:     bc.MaxHoldDays,
		CloseRetryLimit: bc.CloseRetryLimit,
	}
}
