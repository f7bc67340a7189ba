package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mutter0815/mailcast/internal/store"
	"github.com/Mutter0815/mailcast/pkg/config"
	"github.com/Mutter0815/mailcast/pkg/db"
	"github.com/Mutter0815/mailcast/pkg/logx"
	"github.com/Mutter0815/mailcast/pkg/mailer"
	"github.com/Mutter0815/mailcast/pkg/metrics"
	"github.com/Mutter0815/mailcast/pkg/rmq"
	"github.com/Mutter0815/mailcast/services/sender-worker/worker"
)

func main() {
	logx.Init("sender-worker")
	defer logx.Sync()

	config.MustLoadWorker(logx.L().Fatalf)
	cfg := config.Worker

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

	conn, err := rmq.Dial(cfg.RMQURL)
	if err != nil {
		logx.L().Fatalw("rmq_init_error", "error", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logx.L().Warnw("rmq_close_error", "error", err)
		}
	}()

	topo := rmq.Topology{Queue: cfg.Queue, MaxRetries: cfg.MaxRetries, RetryBase: cfg.RetryBase}
	pub, err := rmq.NewPublisher(conn, topo)
	if err != nil {
		logx.L().Fatalw("rmq_publisher_error", "error", err)
	}
	defer pub.Close()
	cons := rmq.NewConsumer(conn, topo, cfg.Prefetch)
	defer cons.Close()

	sender, err := mailer.NewSMTPSender(mailer.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPass,
		From:     cfg.SMTPFrom,
		TLS:      cfg.SMTPTLS,
		Timeout:  cfg.SMTPTimeout,
	})
	if err != nil {
		logx.L().Fatalw("smtp_init_error", "error", err)
	}

	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}

	msrv := metrics.Serve(cfg.MetricsAddr)
	go func() {
		logx.L().Infow("metrics_listen_start", "addr", cfg.MetricsAddr)
		if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.L().Errorw("metrics_server_error", "error", err)
		}
	}()

	w := worker.New(store.New(sqlDB), pub, cons, sender, worker.Options{
		Queue:               cfg.Queue,
		MaxRetries:          cfg.MaxRetries,
		RetryBase:           cfg.RetryBase,
		DeadLetterPermanent: cfg.DeadLetterPermanent,
		Limiter:             limiter,
		OpTimeout:           cfg.OpTimeout,
		RequeueDelay:        cfg.RequeueDelay,
	})
	if err := w.Run(ctx); err != nil {
		logx.L().Errorw("worker_error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := msrv.Shutdown(shutdownCtx); err != nil {
		logx.L().Warnw("metrics_shutdown_error", "error", err)
	}
	logx.L().Infow("sender-worker stopped gracefully")
}
