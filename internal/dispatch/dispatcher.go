package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Mutter0815/mailcast/internal/campaign"
	"github.com/Mutter0815/mailcast/pkg/logx"
	"github.com/Mutter0815/mailcast/pkg/metrics"
)

type Store interface {
	GetCampaign(ctx context.Context, id int64) (campaign.Campaign, error)
	ListTargets(ctx context.Context, campaignID int64) ([]campaign.Subscriber, error)
	MarkCampaignSent(ctx context.Context, id, actorID int64, at time.Time, jobs int) error
}

type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte, headers amqp.Table) error
}

type Result struct {
	Campaign campaign.Campaign
	JobCount int
}

// Dispatcher fans a scheduled campaign out into one queued job per subscribed target
// and marks it sent once every job is on the queue.
type Dispatcher struct {
	store   Store
	pub     Publisher
	locker  Locker
	lockTTL time.Duration
	queue   string
	now     func() time.Time
}

type Option func(*Dispatcher)

// WithLocker serializes dispatches of the same campaign across API instances.
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(d *Dispatcher) {
		d.locker = l
		d.lockTTL = ttl
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func New(store Store, pub Publisher, queue string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:   store,
		pub:     pub,
		queue:   queue,
		lockTTL: 2 * time.Minute,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dispatcher) Dispatch(ctx context.Context, campaignID, actorID int64) (Result, error) {
	res, err := d.dispatch(ctx, campaignID, actorID)
	metrics.DispatchRequestsTotal.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		logx.L().Warnw("dispatch_failed", "campaign_id", campaignID, "actor_id", actorID, "err", err)
		return Result{}, err
	}
	logx.L().Infow("dispatch_done", "campaign_id", campaignID, "actor_id", actorID, "jobs", res.JobCount)
	return res, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, campaignID, actorID int64) (Result, error) {
	if d.locker != nil {
		release, err := d.locker.Acquire(ctx, lockKey(campaignID), d.lockTTL)
		if err != nil {
			return Result{}, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				logx.L().Warnw("dispatch_lock_release_failed", "campaign_id", campaignID, "err", err)
			}
		}()
	}

	c, err := d.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return Result{}, err
	}
	if c.OwnerID != actorID {
		return Result{}, campaign.ErrNotFound
	}
	if c.Status != campaign.StatusScheduled {
		return Result{}, fmt.Errorf("%w: %w", campaign.ErrInvalidState,
			&campaign.InvalidTransitionError{From: c.Status, To: campaign.StatusSent})
	}

	targets, err := d.store.ListTargets(ctx, c.ID)
	if err != nil {
		return Result{}, err
	}

	jobs := 0
	for _, s := range targets {
		if s.Status != campaign.SubscriberSubscribed {
			continue
		}
		body, err := json.Marshal(campaign.NewJob(c, s))
		if err != nil {
			return Result{}, fmt.Errorf("encode job: %w", err)
		}
		if err := d.pub.Publish(ctx, d.queue, body, nil); err != nil {
			return Result{}, fmt.Errorf("%w: campaign %d after %d jobs: %w", campaign.ErrEnqueue, c.ID, jobs, err)
		}
		jobs++
		metrics.PublishedJobsTotal.Inc()
	}

	now := d.now()
	if err := d.store.MarkCampaignSent(ctx, c.ID, actorID, now, jobs); err != nil {
		return Result{}, err
	}
	if err := campaign.Transition(&c, campaign.StatusSent, now); err != nil {
		return Result{}, err
	}
	return Result{Campaign: c, JobCount: jobs}, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, campaign.ErrNotFound):
		return "not_found"
	case errors.Is(err, campaign.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, campaign.ErrDispatchInProgress):
		return "in_progress"
	case errors.Is(err, campaign.ErrEnqueue):
		return "enqueue_error"
	}
	return "error"
}
