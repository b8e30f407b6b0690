package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"relayq/internal/api"
	"relayq/internal/controller"
	"relayq/internal/credential"
	"relayq/internal/handlers/webhook"
	"relayq/internal/lock"
	"relayq/internal/maintenance"
	"relayq/internal/metrics"
	"relayq/internal/queue"
	"relayq/internal/worker"
)

func main() {
	var (
		addr        = flag.String("addr", ":8080", "HTTP bind address")
		dbPath      = flag.String("db", "relayq.db", "SQLite DB path")
		webhookURL  = flag.String("webhook", "", "delivery endpoint URL")
		workers     = flag.Int("workers", 2, "initial worker count")
		maxWorkers  = flag.Int("max-workers", 10, "controller scale ceiling")
		capacity    = flag.Int("capacity", 1000, "pending-task ceiling")
		execTimeout = flag.Duration("exec-timeout", 5*time.Minute, "per-task execution timeout")
		spacing     = flag.Duration("spacing", 3*time.Second, "minimum spacing between upstream calls")
		lockTTL     = flag.Duration("lock-ttl", 5*time.Minute, "exclusive lock lease TTL")
		lockWait    = flag.Duration("lock-wait", 10*time.Minute, "how long to block for the exclusive lock")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	creds := strings.Split(os.Getenv("RELAYQ_CREDENTIALS"), ",")
	if len(creds) == 1 && creds[0] == "" {
		log.Fatal().Msg("RELAYQ_CREDENTIALS must hold at least one credential")
	}
	if *webhookURL == "" {
		log.Fatal().Msg("-webhook is required")
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := queue.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// only one process instance may drive the pipeline
	pipelineLock := lock.New(db, "pipeline", *lockTTL)
	log.Info().Str("owner", pipelineLock.OwnerID()).Msg("waiting for pipeline lock")
	if err := pipelineLock.WaitForLock(ctx, *lockWait); err != nil {
		log.Fatal().Err(err).Msg("could not obtain pipeline lock")
	}

	met := metrics.New()
	qcfg := queue.DefaultConfig()
	qcfg.Capacity = *capacity
	q := queue.New(db, qcfg)

	pool := credential.NewPool(creds)
	gate := credential.NewGate(*spacing)

	handler := webhook.New(*webhookURL, pool, gate)
	wcfg := worker.DefaultConfig()
	wcfg.Workers = *workers
	wcfg.ExecTimeout = *execTimeout
	wp := worker.NewPool(q, handler, gate, met, wcfg)
	wp.Start(ctx)

	ccfg := controller.DefaultConfig()
	ccfg.MaxWorkers = *maxWorkers
	ctrl := controller.New(q, wp, pool, met, ccfg)
	ctrl.Start(ctx)

	maint := maintenance.NewService(q, maintenance.DefaultConfig())
	if err := maint.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start maintenance")
	}

	srv := &http.Server{Addr: *addr, Handler: api.NewServer(q, ctrl, met)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	// stop admission first, then control, then drain workers, then
	// release ownership
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
	ctrl.Stop()
	maint.Stop()
	wp.Shutdown(30 * time.Second)
	if err := pipelineLock.Release(context.Background()); err != nil {
		log.Error().Err(err).Msg("release pipeline lock")
	}
	cancel()
}
