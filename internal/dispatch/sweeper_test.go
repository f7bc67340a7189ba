package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mutter0815/mailcast/internal/campaign"
)

// dueStore pages over due the way the keyset query does; due must be sorted by (scheduled_at, id).
type dueStore struct {
	due      []campaign.Campaign
	gotNow   time.Time
	gotLimit int
	cursors  []campaign.DueCursor
}

func (d *dueStore) ListDueCampaigns(_ context.Context, now time.Time, after campaign.DueCursor, limit int) ([]campaign.Campaign, error) {
	d.gotNow, d.gotLimit = now, limit
	d.cursors = append(d.cursors, after)
	var out []campaign.Campaign
	for _, c := range d.due {
		at := *c.ScheduledAt
		if at.Before(after.ScheduledAt) || (at.Equal(after.ScheduledAt) && c.ID <= after.ID) {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, c)
	}
	return out, nil
}

type recordingDispatch struct {
	calls [][2]int64
	fail  map[int64]error
}

func (r *recordingDispatch) Dispatch(_ context.Context, id, actor int64) (Result, error) {
	r.calls = append(r.calls, [2]int64{id, actor})
	if err := r.fail[id]; err != nil {
		return Result{}, err
	}
	return Result{JobCount: 1}, nil
}

func due(id, owner int64, minutesAgo int) campaign.Campaign {
	c := scheduled(id, owner)
	at := fixedNow.Add(-time.Duration(minutesAgo) * time.Minute)
	c.ScheduledAt = &at
	return c
}

func TestSweeper_RunOnce(t *testing.T) {
	ds := &dueStore{due: []campaign.Campaign{due(1, 5, 30), due(2, 6, 20), due(3, 5, 10)}}
	rd := &recordingDispatch{fail: map[int64]error{2: campaign.ErrEnqueue}}

	s := NewSweeper(ds, rd, 10)
	s.now = func() time.Time { return fixedNow }

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, [][2]int64{{1, 5}, {2, 6}, {3, 5}}, rd.calls)
	assert.Equal(t, fixedNow, ds.gotNow)
	assert.Equal(t, 10, ds.gotLimit)
	assert.Len(t, ds.cursors, 1)
}

func TestSweeper_FailingHeadDoesNotStarveLaterCampaigns(t *testing.T) {
	ds := &dueStore{due: []campaign.Campaign{
		due(1, 5, 50), due(2, 5, 40), due(3, 5, 30), due(4, 5, 20), due(5, 5, 10),
	}}
	rd := &recordingDispatch{fail: map[int64]error{1: campaign.ErrEnqueue, 2: campaign.ErrEnqueue}}

	s := NewSweeper(ds, rd, 2)
	s.now = func() time.Time { return fixedNow }

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, [][2]int64{{1, 5}, {2, 5}, {3, 5}, {4, 5}, {5, 5}}, rd.calls)
	require.Len(t, ds.cursors, 3)
	assert.Equal(t, campaign.DueCursor{}, ds.cursors[0])
	assert.Equal(t, int64(2), ds.cursors[1].ID)
	assert.Equal(t, int64(4), ds.cursors[2].ID)
}

func TestSweeper_ScheduleRejectsBadSpec(t *testing.T) {
	s := NewSweeper(&dueStore{}, &recordingDispatch{}, 0)
	_, err := s.Schedule(context.Background(), "not a cron spec")
	assert.Error(t, err)
	assert.Equal(t, 50, s.batch)
}
