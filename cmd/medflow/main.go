package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"medflow/internal/alert"
	"medflow/internal/api"
	"medflow/internal/catalog"
	"medflow/internal/config"
	"medflow/internal/dispatch"
	handlerhttp "medflow/internal/handlers/http"
	"medflow/internal/handlers/shell"
	"medflow/internal/monitor"
	"medflow/internal/retry"
	"medflow/internal/store"
	"medflow/internal/tracker"
	"medflow/internal/worker"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "YAML config path (optional)")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		workers = flag.Int("workers", 0, "number of worker goroutines (overrides config)")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	st := store.NewSQLite(db)

	notifier := alert.NewLogNotifier(log.Logger, cfg.NotifyPerMinute)
	alerts := alert.NewManager(st, notifier, log.Logger)

	policy := retry.Policy{MaxDelay: cfg.RetryMaxDelay.Std()}
	trk := tracker.New(st, policy, alerts, log.Logger)

	cat := catalog.New(st)

	handlers := map[string]worker.Handler{
		"shell": shell.Shell{},
		"http":  handlerhttp.HTTP{},
	}
	pool := worker.NewPool(trk, handlers, cfg.Workers, cfg.Backlog, log.Logger)
	trk.SetCancelSignaler(pool)

	disp := dispatch.New(st, pool, alerts, cfg.DispatchTick.Std(), cfg.DispatchBatch, log.Logger)

	mon := monitor.New(st, alerts, monitor.Config{
		SweepInterval:     cfg.Monitor.SweepInterval.Std(),
		GracePeriod:       cfg.Monitor.GracePeriod.Std(),
		RecentWindow:      cfg.Monitor.RecentWindow.Std(),
		BaselineWindow:    cfg.Monitor.BaselineWindow.Std(),
		MinSamples:        cfg.Monitor.MinSamples,
		ThresholdFraction: cfg.Monitor.ThresholdFraction,
	}, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	go pool.Run(ctx)
	go disp.Run(ctx)
	go trk.RunWatchdog(ctx, cfg.WatchdogInterval.Std())
	go mon.RunMissing(ctx)
	go mon.RunPerformance(ctx)

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServer(st, cat, trk, pool, alerts)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
