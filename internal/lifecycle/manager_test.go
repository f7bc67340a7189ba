package lifecycle

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mutter0815/mailcast/internal/campaign"
	"github.com/Mutter0815/mailcast/internal/store"
)

var fixedNow = time.Date(2025, 10, 2, 12, 0, 0, 0, time.UTC)

type memStore struct {
	nextID    int64
	campaigns map[int64]campaign.Campaign
	targets   map[int64]map[int64]bool
	events    []campaign.EmailEvent
	subStatus map[int64]campaign.SubscriberStatus
	audits    []store.AuditEntry
}

func newMemStore() *memStore {
	return &memStore{
		campaigns: map[int64]campaign.Campaign{},
		targets:   map[int64]map[int64]bool{},
		subStatus: map[int64]campaign.SubscriberStatus{},
	}
}

func (s *memStore) CreateCampaign(_ context.Context, c *campaign.Campaign, actorID int64) error {
	s.nextID++
	c.ID = s.nextID
	s.campaigns[c.ID] = *c
	s.audits = append(s.audits, store.AuditEntry{ActorID: actorID, Action: campaign.AuditCreate})
	return nil
}

func (s *memStore) GetCampaign(_ context.Context, id int64) (campaign.Campaign, error) {
	c, ok := s.campaigns[id]
	if !ok || c.DeletedAt != nil {
		return campaign.Campaign{}, campaign.ErrNotFound
	}
	return c, nil
}

func (s *memStore) UpdateCampaign(_ context.Context, c campaign.Campaign, from campaign.Status, a store.AuditEntry) error {
	if s.campaigns[c.ID].Status != from {
		return campaign.ErrInvalidState
	}
	s.campaigns[c.ID] = c
	s.audits = append(s.audits, a)
	return nil
}

func (s *memStore) ScheduleCampaign(ctx context.Context, c campaign.Campaign, from campaign.Status, ids []int64, a store.AuditEntry) (int64, error) {
	if err := s.UpdateCampaign(ctx, c, from, a); err != nil {
		return 0, err
	}
	if s.targets[c.ID] == nil {
		s.targets[c.ID] = map[int64]bool{}
	}
	var added int64
	for _, id := range ids {
		if s.subStatus[id] == campaign.SubscriberSubscribed && !s.targets[c.ID][id] {
			s.targets[c.ID][id] = true
			added++
		}
	}
	return added, nil
}

func (s *memStore) SoftDeleteCampaign(_ context.Context, id, actorID int64, at time.Time) error {
	c := s.campaigns[id]
	c.DeletedAt = &at
	s.campaigns[id] = c
	s.audits = append(s.audits, store.AuditEntry{ActorID: actorID, Action: campaign.AuditDelete})
	return nil
}

func (s *memStore) ListCampaigns(_ context.Context, ownerID int64, limit, offset int) (campaign.CampaignPage, error) {
	out := campaign.CampaignPage{Limit: limit, Offset: offset}
	for _, c := range s.campaigns {
		if c.OwnerID == ownerID && c.DeletedAt == nil {
			out.Campaigns = append(out.Campaigns, campaign.CampaignDetails{Campaign: c})
		}
	}
	out.TotalItems = int64(len(out.Campaigns))
	return out, nil
}

func (s *memStore) GetDeliveryStats(_ context.Context, id int64) (campaign.DeliveryStats, error) {
	n := len(s.targets[id])
	return campaign.DeliveryStats{Targeted: n, Pending: n}, nil
}

func (s *memStore) IsTargeted(_ context.Context, cid, sid int64) (bool, error) {
	return s.targets[cid][sid], nil
}

func (s *memStore) RecordEvent(_ context.Context, e campaign.EmailEvent, st campaign.SubscriberStatus) error {
	s.events = append(s.events, e)
	if st != "" {
		s.subStatus[e.SubscriberID] = st
	}
	return nil
}

func (s *memStore) ListEvents(_ context.Context, id int64, _, _ int) ([]campaign.EmailEvent, error) {
	var out []campaign.EmailEvent
	for _, e := range s.events {
		if e.CampaignID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func newManager(s *memStore) *Manager {
	m := NewManager(s)
	m.now = func() time.Time { return fixedNow }
	return m
}

func createDraft(t *testing.T, m *Manager, actor int64) campaign.Campaign {
	t.Helper()
	c, err := m.Create(context.Background(), actor, campaign.CreateCampaignReq{Name: "Launch", Subject: "Hello", Body: "<p>hi</p>"})
	require.NoError(t, err)
	return c
}

func TestCreate(t *testing.T) {
	s := newMemStore()
	m := newManager(s)

	c := createDraft(t, m, 5)
	assert.Equal(t, int64(1), c.ID)
	assert.Equal(t, campaign.StatusDraft, c.Status)
	assert.Equal(t, int64(5), c.OwnerID)
	assert.Equal(t, fixedNow, c.CreatedAt)

	_, err := m.Create(context.Background(), 5, campaign.CreateCampaignReq{Name: " ", Body: "b"})
	assert.ErrorIs(t, err, campaign.ErrValidation)
}

func TestScheduleThenCancel(t *testing.T) {
	s := newMemStore()
	s.subStatus[10] = campaign.SubscriberSubscribed
	s.subStatus[11] = campaign.SubscriberUnsubscribed
	m := newManager(s)
	ctx := context.Background()

	c := createDraft(t, m, 5)
	at := fixedNow.Add(time.Hour)

	got, targeted, err := m.Schedule(ctx, 5, c.ID, campaign.ScheduleReq{ScheduledAt: &at, SubscriberIDs: []int64{10, 11}})
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusScheduled, got.Status)
	assert.Equal(t, int64(1), targeted)
	assert.Equal(t, &at, got.ScheduledAt)

	_, _, err = m.Schedule(ctx, 5, c.ID, campaign.ScheduleReq{})
	assert.ErrorIs(t, err, campaign.ErrInvalidTransition)

	got, err = m.Cancel(ctx, 5, c.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusCancelled, got.Status)

	_, err = m.Cancel(ctx, 5, c.ID)
	assert.ErrorIs(t, err, campaign.ErrInvalidTransition)

	actions := make([]campaign.AuditAction, 0, len(s.audits))
	for _, a := range s.audits {
		actions = append(actions, a.Action)
	}
	assert.Equal(t, []campaign.AuditAction{campaign.AuditCreate, campaign.AuditSchedule, campaign.AuditCancel}, actions)
}

func TestSetStatus_SentIsNotClientWritable(t *testing.T) {
	s := newMemStore()
	m := newManager(s)
	ctx := context.Background()
	c := createDraft(t, m, 5)

	_, err := m.SetStatus(ctx, 5, c.ID, campaign.StatusSent)
	var te *campaign.InvalidTransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, campaign.StatusDraft, te.From)
	assert.Equal(t, campaign.StatusDraft, s.campaigns[c.ID].Status)

	_, err = m.SetStatus(ctx, 5, c.ID, "archived")
	assert.ErrorIs(t, err, campaign.ErrValidation)

	got, err := m.SetStatus(ctx, 5, c.ID, campaign.StatusScheduled)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusScheduled, got.Status)
}

func TestUpdate(t *testing.T) {
	s := newMemStore()
	m := newManager(s)
	ctx := context.Background()
	c := createDraft(t, m, 5)

	name := "Relaunch"
	got, err := m.Update(ctx, 5, c.ID, campaign.UpdateCampaignReq{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Relaunch", got.Name)
	assert.Equal(t, "<p>hi</p>", got.Body)
	assert.Equal(t, map[string]any{"fields": []string{"name"}}, s.audits[len(s.audits)-1].Details)

	empty := ""
	_, err = m.Update(ctx, 5, c.ID, campaign.UpdateCampaignReq{Body: &empty})
	assert.ErrorIs(t, err, campaign.ErrValidation)

	_, err = m.Update(ctx, 6, c.ID, campaign.UpdateCampaignReq{Name: &name})
	assert.ErrorIs(t, err, campaign.ErrNotFound)
}

func TestUpdate_TerminalCampaignRejected(t *testing.T) {
	s := newMemStore()
	m := newManager(s)
	ctx := context.Background()
	c := createDraft(t, m, 5)
	_, err := m.Cancel(ctx, 5, c.ID)
	require.NoError(t, err)

	name := "late edit"
	_, err = m.Update(ctx, 5, c.ID, campaign.UpdateCampaignReq{Name: &name})
	assert.ErrorIs(t, err, campaign.ErrInvalidState)
	assert.Equal(t, "Launch", s.campaigns[c.ID].Name)
}

func TestDelete(t *testing.T) {
	s := newMemStore()
	m := newManager(s)
	ctx := context.Background()
	c := createDraft(t, m, 5)

	assert.ErrorIs(t, m.Delete(ctx, 6, c.ID), campaign.ErrNotFound)
	require.NoError(t, m.Delete(ctx, 5, c.ID))

	_, err := m.Get(ctx, 5, c.ID)
	assert.ErrorIs(t, err, campaign.ErrNotFound)
	assert.ErrorIs(t, m.Delete(ctx, 5, c.ID), campaign.ErrNotFound)

	pg, err := m.List(ctx, 5, 20, 0)
	require.NoError(t, err)
	assert.Zero(t, pg.TotalItems)
}

func TestRecordEvent(t *testing.T) {
	s := newMemStore()
	s.subStatus[10] = campaign.SubscriberSubscribed
	m := newManager(s)
	ctx := context.Background()

	c := createDraft(t, m, 5)
	_, _, err := m.Schedule(ctx, 5, c.ID, campaign.ScheduleReq{SubscriberIDs: []int64{10}})
	require.NoError(t, err)

	e, err := m.RecordEvent(ctx, 5, c.ID, campaign.RecordEventReq{
		SubscriberID: 10, EventType: campaign.EventBounce, EventData: json.RawMessage(`{"code":550}`),
	})
	require.NoError(t, err)
	assert.Equal(t, campaign.EventBounce, e.Type)
	assert.Equal(t, campaign.SubscriberBounced, s.subStatus[10])

	page, err := m.Events(ctx, 5, c.ID, 50, 0)
	require.NoError(t, err)
	assert.Len(t, page.Events, 1)

	_, err = m.RecordEvent(ctx, 5, c.ID, campaign.RecordEventReq{SubscriberID: 10, EventType: campaign.EventSent})
	assert.ErrorIs(t, err, campaign.ErrValidation)

	_, err = m.RecordEvent(ctx, 5, c.ID, campaign.RecordEventReq{SubscriberID: 10, EventType: campaign.EventOpen, EventData: json.RawMessage(`{bad`)})
	assert.ErrorIs(t, err, campaign.ErrValidation)

	_, err = m.RecordEvent(ctx, 5, c.ID, campaign.RecordEventReq{SubscriberID: 99, EventType: campaign.EventOpen})
	assert.ErrorIs(t, err, campaign.ErrNotFound)
}
