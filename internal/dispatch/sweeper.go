package dispatch

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Mutter0815/mailcast/internal/campaign"
	"github.com/Mutter0815/mailcast/pkg/logx"
)

type DueLister interface {
	ListDueCampaigns(ctx context.Context, now time.Time, after campaign.DueCursor, limit int) ([]campaign.Campaign, error)
}

type Dispatch interface {
	Dispatch(ctx context.Context, campaignID, actorID int64) (Result, error)
}

// Sweeper dispatches scheduled campaigns whose scheduled_at has passed, each as its owner.
type Sweeper struct {
	store DueLister
	disp  Dispatch
	batch int
	now   func() time.Time
}

func NewSweeper(store DueLister, disp Dispatch, batch int) *Sweeper {
	if batch <= 0 {
		batch = 50
	}
	return &Sweeper{
		store: store,
		disp:  disp,
		batch: batch,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce pages through every due campaign once and returns how many were dispatched.
// Per-campaign failures are logged and skipped; the cursor moves past them.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	now := s.now()
	var cursor campaign.DueCursor
	sent := 0
	for {
		prev := cursor
		due, err := s.store.ListDueCampaigns(ctx, now, cursor, s.batch)
		if err != nil {
			return sent, err
		}
		for _, c := range due {
			if ctx.Err() != nil {
				return sent, ctx.Err()
			}
			if c.ScheduledAt != nil {
				cursor = campaign.DueCursor{ScheduledAt: *c.ScheduledAt, ID: c.ID}
			}
			if _, err := s.disp.Dispatch(ctx, c.ID, c.OwnerID); err != nil {
				logx.L().Warnw("sweep_dispatch_failed", "campaign_id", c.ID, "err", err)
				continue
			}
			sent++
		}
		if len(due) < s.batch || cursor == prev {
			return sent, nil
		}
	}
}

// Schedule runs the sweep on spec (standard cron or descriptors such as "@every 1m").
// Overlapping runs are skipped. The caller stops the returned cron.
func (s *Sweeper) Schedule(ctx context.Context, spec string) (*cron.Cron, error) {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	_, err := c.AddFunc(spec, func() {
		n, err := s.RunOnce(ctx)
		if err != nil {
			logx.L().Errorw("sweep_failed", "err", err)
			return
		}
		if n > 0 {
			logx.L().Infow("sweep_done", "dispatched", n)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
