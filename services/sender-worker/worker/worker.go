package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"

	"github.com/Mutter0815/mailcast/internal/campaign"
	"github.com/Mutter0815/mailcast/pkg/logx"
	"github.com/Mutter0815/mailcast/pkg/mailer"
	"github.com/Mutter0815/mailcast/pkg/metrics"
	"github.com/Mutter0815/mailcast/pkg/rmq"
)

type Store interface {
	MarkDelivered(ctx context.Context, campaignID, subscriberID int64, at time.Time) (bool, error)
	AppendEvent(ctx context.Context, e campaign.EmailEvent) error
}

type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte, headers amqp.Table) error
}

type Consumer interface {
	Consume() (<-chan amqp.Delivery, error)
	Cancel() error
}

type Options struct {
	Queue      string
	MaxRetries int
	RetryBase  time.Duration
	// DeadLetterPermanent skips the remaining attempts for failures the transport reports as permanent.
	DeadLetterPermanent bool
	Limiter             *rate.Limiter
	// ResubscribeDelay is the first wait after the delivery channel closes; it doubles up to a minute.
	ResubscribeDelay time.Duration
	// OpTimeout bounds each store write and broker publish made for a job.
	OpTimeout time.Duration
	// RequeueDelay is slept before a job is handed back to the broker after a bookkeeping failure.
	RequeueDelay time.Duration
}

// Outcome is what Handle did with one delivery.
type Outcome string

const (
	Delivered    Outcome = "delivered"
	Retrying     Outcome = "retrying"
	DeadLettered Outcome = "dead_lettered"
	Malformed    Outcome = "malformed"
	Requeued     Outcome = "requeued"
)

type Worker struct {
	store Store
	pub   Publisher
	cons  Consumer
	mail  mailer.Sender
	opts  Options
	now   func() time.Time
}

func New(st Store, pub Publisher, cons Consumer, mail mailer.Sender, opts Options) *Worker {
	if opts.Queue == "" {
		opts.Queue = "emailQueue"
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	if opts.ResubscribeDelay <= 0 {
		opts.ResubscribeDelay = time.Second
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 5 * time.Second
	}
	if opts.RequeueDelay <= 0 {
		opts.RequeueDelay = time.Second
	}
	return &Worker{
		store: st,
		pub:   pub,
		cons:  cons,
		mail:  mail,
		opts:  opts,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Run consumes until ctx is cancelled. A job already received when ctx is cancelled
// is finished on a context detached from ctx. Run returns nil on shutdown.
func (w *Worker) Run(ctx context.Context) error {
	delay := w.opts.ResubscribeDelay
	for {
		msgs, err := w.cons.Consume()
		if err != nil {
			logx.L().Errorw("consume_error", "queue", w.opts.Queue, "error", err, "retry_in", delay.String())
		} else {
			logx.L().Infow("worker_started", "queue", w.opts.Queue, "max_retries", w.opts.MaxRetries)
			delay = w.opts.ResubscribeDelay
			if w.drain(ctx, msgs) {
				logx.L().Infow("worker_stopping")
				return nil
			}
			logx.L().Warnw("consumer_channel_closed", "retry_in", delay.String())
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			logx.L().Infow("worker_stopping")
			return nil
		case <-timer.C:
		}
		delay = min(delay*2, time.Minute)
	}
}

// drain reports true when it stopped because ctx was cancelled.
func (w *Worker) drain(ctx context.Context, msgs <-chan amqp.Delivery) bool {
	jobCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			if err := w.cons.Cancel(); err != nil {
				logx.L().Warnw("consumer_cancel_error", "error", err)
			}
			return true
		case d, ok := <-msgs:
			if !ok {
				return false
			}
			w.Handle(jobCtx, d)
		}
	}
}

// Handle runs one delivery through send, bookkeeping and ack/retry/dead-letter.
func (w *Worker) Handle(ctx context.Context, d amqp.Delivery) Outcome {
	start := time.Now()
	metrics.WorkerJobsConsumed.Inc()
	defer func() { metrics.WorkerProcessDuration.Observe(time.Since(start).Seconds()) }()

	job, err := campaign.DecodeJob(d.Body)
	if err != nil {
		return w.malformed(ctx, d, err)
	}
	fields := []any{
		"campaign_id", job.CampaignID,
		"subscriber_id", job.SubscriberID,
		"to", job.To,
	}

	if w.opts.Limiter != nil {
		if err := w.opts.Limiter.Wait(ctx); err != nil {
			logx.L().Warnw("rate_wait_error", append(fields, "error", err)...)
			return w.requeue(d, fields)
		}
	}

	sendErr := w.mail.Send(ctx, mailer.Message{To: job.To, Subject: job.Subject, HTMLBody: job.Body})
	if sendErr == nil {
		return w.delivered(ctx, d, job, fields)
	}
	return w.failed(ctx, d, job, sendErr, fields)
}

func (w *Worker) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, w.opts.OpTimeout)
}

func (w *Worker) markDelivered(ctx context.Context, job campaign.Job, at time.Time) (bool, error) {
	ctx1, cancel := w.bounded(ctx)
	defer cancel()
	return w.store.MarkDelivered(ctx1, job.CampaignID, job.SubscriberID, at)
}

func (w *Worker) appendEvent(ctx context.Context, ev campaign.EmailEvent) error {
	ctx2, cancel := w.bounded(ctx)
	defer cancel()
	return w.store.AppendEvent(ctx2, ev)
}

func (w *Worker) publish(ctx context.Context, queue string, body []byte, headers amqp.Table) error {
	pubCtx, cancel := w.bounded(ctx)
	defer cancel()
	return w.pub.Publish(pubCtx, queue, body, headers)
}

func (w *Worker) delivered(ctx context.Context, d amqp.Delivery, job campaign.Job, fields []any) Outcome {
	now := w.now()
	first, err := w.markDelivered(ctx, job, now)
	if err != nil {
		logx.L().Errorw("db_mark_delivered_error", append(fields, "error", err)...)
		return w.requeue(d, fields)
	}

	data, _ := json.Marshal(map[string]any{"to": job.To, "subject": job.Subject})
	ev := campaign.EmailEvent{
		CampaignID:   job.CampaignID,
		SubscriberID: job.SubscriberID,
		Type:         campaign.EventSent,
		Data:         data,
		CreatedAt:    now,
	}
	if err := w.appendEvent(ctx, ev); err != nil {
		logx.L().Errorw("db_append_sent_event_error", append(fields, "error", err)...)
		return w.requeue(d, fields)
	}

	metrics.WorkerJobsSent.Inc()
	logx.L().Infow("send_success", append(fields, "first_delivery", first)...)
	w.ack(d, fields)
	return Delivered
}

func (w *Worker) failed(ctx context.Context, d amqp.Delivery, job campaign.Job, sendErr error, fields []any) Outcome {
	metrics.WorkerJobsFailed.Inc()
	retries := headerRetries(d.Headers) + 1
	permanent := w.opts.DeadLetterPermanent && mailer.IsPermanent(sendErr)

	if retries < w.opts.MaxRetries && !permanent {
		headers := copyHeaders(d.Headers)
		setHeaderRetries(&headers, retries)
		queue := rmq.RetryQueueName(w.opts.Queue, retries)
		if err := w.publish(ctx, queue, d.Body, headers); err != nil {
			logx.L().Errorw("retry_publish_error", append(fields, "retries", retries, "error", err)...)
			return w.requeue(d, fields)
		}
		metrics.WorkerJobRetries.Inc()
		logx.L().Infow("retry_scheduled", append(fields,
			"retries", retries,
			"delay", rmq.RetryDelay(w.opts.RetryBase, retries).String(),
			"error", sendErr.Error(),
		)...)
		w.ack(d, fields)
		return Retrying
	}

	data, _ := json.Marshal(map[string]any{
		"to":      job.To,
		"subject": job.Subject,
		"error":   sendErr.Error(),
		"retries": retries,
	})
	ev := campaign.EmailEvent{
		CampaignID:   job.CampaignID,
		SubscriberID: job.SubscriberID,
		Type:         campaign.EventError,
		Data:         data,
		CreatedAt:    w.now(),
	}
	if err := w.appendEvent(ctx, ev); err != nil {
		logx.L().Errorw("db_append_error_event_error", append(fields, "error", err)...)
		return w.requeue(d, fields)
	}

	headers := copyHeaders(d.Headers)
	setHeaderRetries(&headers, retries)
	headers["x-error"] = sendErr.Error()
	if err := w.publish(ctx, rmq.DLQName(w.opts.Queue), d.Body, headers); err != nil {
		logx.L().Errorw("dlq_publish_error", append(fields, "error", err)...)
		return w.requeue(d, fields)
	}

	metrics.WorkerJobsDeadLettered.Inc()
	logx.L().Warnw("dead_lettered", append(fields, "retries", retries, "permanent", permanent, "error", sendErr.Error())...)
	w.ack(d, fields)
	return DeadLettered
}

func (w *Worker) malformed(ctx context.Context, d amqp.Delivery, cause error) Outcome {
	metrics.WorkerJobsMalformed.Inc()
	fields := []any{"delivery_tag", d.DeliveryTag, "error", cause.Error()}
	logx.L().Warnw("job_malformed", fields...)

	headers := copyHeaders(d.Headers)
	headers["x-error"] = cause.Error()
	if err := w.publish(ctx, rmq.DLQName(w.opts.Queue), d.Body, headers); err != nil {
		logx.L().Errorw("dlq_publish_error", append(fields, "publish_error", err)...)
		return w.requeue(d, fields)
	}
	w.ack(d, fields)
	return Malformed
}

func (w *Worker) ack(d amqp.Delivery, fields []any) {
	if err := d.Ack(false); err != nil {
		logx.L().Errorw("ack_error", append(fields, "error", err)...)
	}
}

// requeue waits RequeueDelay, then nacks with requeue.
func (w *Worker) requeue(d amqp.Delivery, fields []any) Outcome {
	time.Sleep(w.opts.RequeueDelay)
	if err := d.Nack(false, true); err != nil && !errors.Is(err, amqp.ErrClosed) {
		logx.L().Errorw("nack_error", append(fields, "error", err)...)
	}
	return Requeued
}

func headerRetries(h amqp.Table) int {
	if h == nil {
		return 0
	}
	if v, ok := h["x-retries"]; ok {
		switch t := v.(type) {
		case int32:
			return int(t)
		case int64:
			return int(t)
		case int:
			return t
		case uint8:
			return int(t)
		}
	}
	return 0
}

func setHeaderRetries(h *amqp.Table, n int) {
	if *h == nil {
		*h = amqp.Table{}
	}
	(*h)["x-retries"] = int32(n)
}

func copyHeaders(h amqp.Table) amqp.Table {
	dup := make(amqp.Table, len(h))
	for k, v := range h {
		dup[k] = v
	}
	return dup
}
