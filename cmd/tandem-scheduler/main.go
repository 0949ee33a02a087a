// Tandem Scheduler — запускает задачи компонентов по расписанию.
//
// Несколько экземпляров могут работать одновременно: тики выполняет
// только лидер, удерживающий advisory lock в Postgres.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Tandem/internal/config"
	"github.com/shaiso/Tandem/internal/mq"
	"github.com/shaiso/Tandem/internal/repo"
	"github.com/shaiso/Tandem/internal/scheduler"
	"github.com/shaiso/Tandem/internal/telemetry"
)

const schedLockKey int64 = 424242

func main() {
	cfg, err := config.LoadScheduler()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := telemetry.NewLogger(cfg.Log.Format, cfg.Log.SlogLevel(), true)
	logger.Info("starting tandem-scheduler", "interval", cfg.Interval)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	// RabbitMQ: запуски отправляются командами в tandem.commands
	mqConn, err := mq.Connect(ctx, cfg.Broker.URL, logger, mq.WithConnectionName("tandem-scheduler"))
	if err != nil {
		logger.Error("RabbitMQ not available", "error", err)
		os.Exit(1)
	}
	defer mqConn.Close()

	sched := scheduler.New(scheduler.Config{
		Schedules:  repo.NewScheduleRepo(pool),
		Components: repo.NewRepositories(pool).Components,
		Queue:      mq.NewCommandQueue(mq.NewPublisher(mqConn, logger)),
		Logger:     logger,
	})

	var leader atomic.Bool

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok leader=%t", leader.Load())
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		runLoop(gctx, pool, sched, cfg.Interval, &leader, logger)
		return nil
	})

	g.Go(func() error {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("scheduler error", "error", err)
	}
	logger.Info("tandem-scheduler stopped")
}

// runLoop выполняет тики, пока процесс удерживает лидерство.
func runLoop(ctx context.Context, pool *pgxpool.Pool, sched *scheduler.Scheduler, interval time.Duration, leader *atomic.Bool, logger *slog.Logger) {
	// advisory lock принадлежит сессии: держим одно соединение всё время работы
	conn, err := pool.Acquire(ctx)
	if err != nil {
		logger.Error("failed to acquire connection", "error", err)
		return
	}
	defer conn.Release()

	defer func() {
		if leader.Load() {
			_, _ = conn.Exec(context.Background(), "select pg_advisory_unlock($1)", schedLockKey)
		}
	}()

	tk := time.NewTicker(interval)
	defer tk.Stop()

	for {
		// пытаемся стать лидером
		if !leader.Load() {
			var ok bool
			if err := conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", schedLockKey).Scan(&ok); err != nil {
				if ctx.Err() == nil {
					logger.Warn("lock error", "error", err)
				}
			} else if ok {
				leader.Store(true)
				logger.Info("became scheduler leader")
			}
		}

		// лидер выполняет тик
		if leader.Load() {
			if err := sched.Tick(ctx); err != nil && ctx.Err() == nil {
				logger.Error("scheduler tick failed", "error", err)
			}
		}

		select {
		case <-tk.C:
		case <-ctx.Done():
			return
		}
	}
}
