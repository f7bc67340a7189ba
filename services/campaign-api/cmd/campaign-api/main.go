package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Mutter0815/mailcast/internal/dispatch"
	"github.com/Mutter0815/mailcast/internal/lifecycle"
	"github.com/Mutter0815/mailcast/internal/store"
	"github.com/Mutter0815/mailcast/pkg/config"
	"github.com/Mutter0815/mailcast/pkg/db"
	"github.com/Mutter0815/mailcast/pkg/logx"
	"github.com/Mutter0815/mailcast/pkg/rmq"
	"github.com/Mutter0815/mailcast/services/campaign-api/server"
)

func main() {
	logx.Init("campaign-api")
	defer logx.Sync()

	config.MustLoadAPI(logx.L().Fatalf)
	cfg := config.API

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sqlDB, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		logx.L().Fatalw("db_open_error", "error", err)
	}
	defer func() {
		if err := sqlDB.Close(); err != nil {
			logx.L().Warnw("db_close_error", "error", err)
		} else {
			logx.L().Infow("db_closed")
		}
	}()
	if cfg.MigrateOnStart {
		if err := db.Migrate(sqlDB); err != nil {
			logx.L().Fatalw("db_migrate_error", "error", err)
		}
		logx.L().Infow("db_migrated")
	}

	st := store.New(sqlDB)

	conn, err := rmq.Dial(cfg.RMQURL)
	if err != nil {
		logx.L().Fatalw("rmq_init_error", "error", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logx.L().Warnw("rmq_close_error", "error", err)
		}
	}()
	// The API only publishes to the work queue; the worker owns the retry topology.
	pub, err := rmq.NewPublisher(conn, rmq.Topology{Queue: cfg.Queue})
	if err != nil {
		logx.L().Fatalw("rmq_publisher_error", "error", err)
	}
	defer func() {
		if err := pub.Close(); err != nil {
			logx.L().Warnw("rmq_publisher_close_error", "error", err)
		} else {
			logx.L().Infow("rmq_publisher_closed")
		}
	}()

	var opts []dispatch.Option
	if cfg.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logx.L().Fatalw("redis_ping_error", "error", err)
		}
		defer rdb.Close()
		opts = append(opts, dispatch.WithLocker(dispatch.NewRedisLocker(rdb), cfg.DispatchLockTTL))
	}
	disp := dispatch.New(st, pub, cfg.Queue, opts...)

	if cfg.SchedulerSpec != "" {
		sweeper := dispatch.NewSweeper(st, disp, cfg.SchedulerBatch)
		c, err := sweeper.Schedule(ctx, cfg.SchedulerSpec)
		if err != nil {
			logx.L().Fatalw("scheduler_spec_error", "spec", cfg.SchedulerSpec, "error", err)
		}
		logx.L().Infow("scheduler_started", "spec", cfg.SchedulerSpec)
		defer func() { <-c.Stop().Done() }()
	}

	h := server.NewHandlers(lifecycle.NewManager(st), disp)
	srv := server.NewHTTPServer(":"+cfg.Port, h)

	go func() {
		logx.L().Infow("api_listen_start", "addr", ":"+cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.L().Fatalw("http_server_error", "error", err)
		}
	}()

	<-ctx.Done()
	logx.L().Infow("signal_received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logx.L().Errorw("server_shutdown_error", "error", err)
	} else {
		logx.L().Infow("server_shutdown_success")
	}

	logx.L().Infow("campaign-api stopped gracefully")
}
