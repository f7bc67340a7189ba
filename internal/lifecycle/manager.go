// Package lifecycle implements the operator-facing campaign operations.
// Every mutation goes through the status table in package campaign and leaves an audit row.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Mutter0815/mailcast/internal/campaign"
	"github.com/Mutter0815/mailcast/internal/store"
	"github.com/Mutter0815/mailcast/pkg/logx"
)

type Store interface {
	CreateCampaign(ctx context.Context, c *campaign.Campaign, actorID int64) error
	GetCampaign(ctx context.Context, id int64) (campaign.Campaign, error)
	UpdateCampaign(ctx context.Context, c campaign.Campaign, from campaign.Status, a store.AuditEntry) error
	ScheduleCampaign(ctx context.Context, c campaign.Campaign, from campaign.Status, subscriberIDs []int64, a store.AuditEntry) (int64, error)
	SoftDeleteCampaign(ctx context.Context, id, actorID int64, at time.Time) error
	ListCampaigns(ctx context.Context, ownerID int64, limit, offset int) (campaign.CampaignPage, error)
	GetDeliveryStats(ctx context.Context, campaignID int64) (campaign.DeliveryStats, error)
	IsTargeted(ctx context.Context, campaignID, subscriberID int64) (bool, error)
	RecordEvent(ctx context.Context, e campaign.EmailEvent, status campaign.SubscriberStatus) error
	ListEvents(ctx context.Context, campaignID int64, limit, offset int) ([]campaign.EmailEvent, error)
}

type Manager struct {
	store Store
	now   func() time.Time
}

func NewManager(s Store) *Manager {
	return &Manager{store: s, now: func() time.Time { return time.Now().UTC() }}
}

// owned loads a live campaign; other owners' campaigns are reported as missing.
func (m *Manager) owned(ctx context.Context, actorID, id int64) (campaign.Campaign, error) {
	c, err := m.store.GetCampaign(ctx, id)
	if err != nil {
		return campaign.Campaign{}, err
	}
	if c.OwnerID != actorID {
		return campaign.Campaign{}, campaign.ErrNotFound
	}
	return c, nil
}

func validateContent(name, body string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is required", campaign.ErrValidation)
	}
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("%w: body is required", campaign.ErrValidation)
	}
	return nil
}

func (m *Manager) Create(ctx context.Context, actorID int64, req campaign.CreateCampaignReq) (campaign.Campaign, error) {
	if err := validateContent(req.Name, req.Body); err != nil {
		return campaign.Campaign{}, err
	}
	now := m.now()
	c := campaign.Campaign{
		Name:        req.Name,
		Subject:     req.Subject,
		Body:        req.Body,
		TemplateID:  req.TemplateID,
		OwnerID:     actorID,
		Status:      campaign.StatusDraft,
		ScheduledAt: req.ScheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.CreateCampaign(ctx, &c, actorID); err != nil {
		return campaign.Campaign{}, err
	}
	logx.L().Infow("campaign_created", "campaign_id", c.ID, "actor_id", actorID)
	return c, nil
}

func (m *Manager) Get(ctx context.Context, actorID, id int64) (campaign.CampaignDetails, error) {
	c, err := m.owned(ctx, actorID, id)
	if err != nil {
		return campaign.CampaignDetails{}, err
	}
	stats, err := m.store.GetDeliveryStats(ctx, id)
	if err != nil {
		return campaign.CampaignDetails{}, err
	}
	return campaign.CampaignDetails{Campaign: c, Stats: stats}, nil
}

func (m *Manager) List(ctx context.Context, actorID int64, limit, offset int) (campaign.CampaignPage, error) {
	return m.store.ListCampaigns(ctx, actorID, limit, offset)
}

// Update edits content and schedule fields. Sent and cancelled campaigns are frozen.
func (m *Manager) Update(ctx context.Context, actorID, id int64, req campaign.UpdateCampaignReq) (campaign.Campaign, error) {
	c, err := m.owned(ctx, actorID, id)
	if err != nil {
		return campaign.Campaign{}, err
	}
	if !c.Editable() {
		return campaign.Campaign{}, fmt.Errorf("%w: campaign %d is %s", campaign.ErrInvalidState, id, c.Status)
	}

	var fields []string
	if req.Name != nil {
		c.Name = *req.Name
		fields = append(fields, "name")
	}
	if req.Subject != nil {
		c.Subject = *req.Subject
		fields = append(fields, "subject")
	}
	if req.Body != nil {
		c.Body = *req.Body
		fields = append(fields, "body")
	}
	if req.TemplateID != nil {
		c.TemplateID = req.TemplateID
		fields = append(fields, "template_id")
	}
	if req.ScheduledAt != nil {
		c.ScheduledAt = req.ScheduledAt
		fields = append(fields, "scheduled_at")
	}
	if len(fields) == 0 {
		return c, nil
	}
	if err := validateContent(c.Name, c.Body); err != nil {
		return campaign.Campaign{}, err
	}

	c.UpdatedAt = m.now()
	a := store.AuditEntry{ActorID: actorID, Action: campaign.AuditUpdate, Details: map[string]any{"fields": fields}}
	if err := m.store.UpdateCampaign(ctx, c, c.Status, a); err != nil {
		return campaign.Campaign{}, err
	}
	return c, nil
}

// Schedule moves a draft to scheduled and targets either the listed subscribers or,
// when none are listed, every subscribed subscriber of the owner.
func (m *Manager) Schedule(ctx context.Context, actorID, id int64, req campaign.ScheduleReq) (campaign.Campaign, int64, error) {
	c, err := m.owned(ctx, actorID, id)
	if err != nil {
		return campaign.Campaign{}, 0, err
	}
	from := c.Status
	if err := campaign.Transition(&c, campaign.StatusScheduled, m.now()); err != nil {
		return campaign.Campaign{}, 0, err
	}
	if req.ScheduledAt != nil {
		c.ScheduledAt = req.ScheduledAt
	}

	details := map[string]any{"subscriber_ids": req.SubscriberIDs}
	if c.ScheduledAt != nil {
		details["scheduled_at"] = c.ScheduledAt.UTC().Format(time.RFC3339)
	}
	a := store.AuditEntry{ActorID: actorID, Action: campaign.AuditSchedule, Details: details}
	targeted, err := m.store.ScheduleCampaign(ctx, c, from, req.SubscriberIDs, a)
	if err != nil {
		return campaign.Campaign{}, 0, err
	}
	logx.L().Infow("campaign_scheduled", "campaign_id", id, "actor_id", actorID, "targeted", targeted)
	return c, targeted, nil
}

// Cancel stops a draft or scheduled campaign. Jobs already queued are not retracted.
func (m *Manager) Cancel(ctx context.Context, actorID, id int64) (campaign.Campaign, error) {
	c, err := m.owned(ctx, actorID, id)
	if err != nil {
		return campaign.Campaign{}, err
	}
	from := c.Status
	if err := campaign.Transition(&c, campaign.StatusCancelled, m.now()); err != nil {
		return campaign.Campaign{}, err
	}
	a := store.AuditEntry{ActorID: actorID, Action: campaign.AuditCancel, Details: map[string]any{"from": from}}
	if err := m.store.UpdateCampaign(ctx, c, from, a); err != nil {
		return campaign.Campaign{}, err
	}
	logx.L().Infow("campaign_cancelled", "campaign_id", id, "actor_id", actorID, "from", from)
	return c, nil
}

// SetStatus is the generic status write. sent is only reachable through dispatch.
func (m *Manager) SetStatus(ctx context.Context, actorID, id int64, to campaign.Status) (campaign.Campaign, error) {
	switch to {
	case campaign.StatusScheduled:
		c, _, err := m.Schedule(ctx, actorID, id, campaign.ScheduleReq{})
		return c, err
	case campaign.StatusCancelled:
		return m.Cancel(ctx, actorID, id)
	case campaign.StatusSent, campaign.StatusDraft:
		c, err := m.owned(ctx, actorID, id)
		if err != nil {
			return campaign.Campaign{}, err
		}
		return campaign.Campaign{}, &campaign.InvalidTransitionError{From: c.Status, To: to}
	}
	return campaign.Campaign{}, fmt.Errorf("%w: unknown status %q", campaign.ErrValidation, to)
}

func (m *Manager) Delete(ctx context.Context, actorID, id int64) error {
	if _, err := m.owned(ctx, actorID, id); err != nil {
		return err
	}
	if err := m.store.SoftDeleteCampaign(ctx, id, actorID, m.now()); err != nil {
		return err
	}
	logx.L().Infow("campaign_deleted", "campaign_id", id, "actor_id", actorID)
	return nil
}

func (m *Manager) Events(ctx context.Context, actorID, id int64, limit, offset int) (campaign.EventPage, error) {
	if _, err := m.owned(ctx, actorID, id); err != nil {
		return campaign.EventPage{}, err
	}
	evs, err := m.store.ListEvents(ctx, id, limit, offset)
	if err != nil {
		return campaign.EventPage{}, err
	}
	return campaign.EventPage{Events: evs, Limit: limit, Offset: offset}, nil
}

// RecordEvent appends an engagement event reported by a client (open, click, bounce, unsubscribe).
// bounce and unsubscribe also move the subscriber out of subscribed.
func (m *Manager) RecordEvent(ctx context.Context, actorID, id int64, req campaign.RecordEventReq) (campaign.EmailEvent, error) {
	if !req.EventType.Recordable() {
		return campaign.EmailEvent{}, fmt.Errorf("%w: event type %q cannot be recorded", campaign.ErrValidation, req.EventType)
	}
	if len(req.EventData) > 0 && !json.Valid(req.EventData) {
		return campaign.EmailEvent{}, fmt.Errorf("%w: event_data is not valid json", campaign.ErrValidation)
	}
	if _, err := m.owned(ctx, actorID, id); err != nil {
		return campaign.EmailEvent{}, err
	}
	ok, err := m.store.IsTargeted(ctx, id, req.SubscriberID)
	if err != nil {
		return campaign.EmailEvent{}, err
	}
	if !ok {
		return campaign.EmailEvent{}, fmt.Errorf("%w: subscriber %d is not targeted by campaign %d", campaign.ErrNotFound, req.SubscriberID, id)
	}

	e := campaign.EmailEvent{
		CampaignID:   id,
		SubscriberID: req.SubscriberID,
		Type:         req.EventType,
		Data:         req.EventData,
		CreatedAt:    m.now(),
	}
	var status campaign.SubscriberStatus
	switch req.EventType {
	case campaign.EventBounce:
		status = campaign.SubscriberBounced
	case campaign.EventUnsubscribe:
		status = campaign.SubscriberUnsubscribed
	}
	if err := m.store.RecordEvent(ctx, e, status); err != nil {
		return campaign.EmailEvent{}, err
	}
	return e, nil
}
