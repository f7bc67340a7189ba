package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Mutter0815/mailcast/internal/campaign"
)

type Store struct {
	DB *sql.DB
}

func New(db *sql.DB) *Store { return &Store{DB: db} }

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

const campaignColumns = `id, name, subject, body, template_id, owner_id, status, scheduled_at, sent_at, created_at, updated_at`

const (
	qInsertCampaign = `
		INSERT INTO campaigns (name, subject, body, template_id, owner_id, status, scheduled_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8) RETURNING id`

	qGetCampaign = `
		SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE id = $1 AND deleted_at IS NULL`

	qUpdateCampaign = `
		UPDATE campaigns
		   SET name=$2, subject=$3, body=$4, template_id=$5, status=$6, scheduled_at=$7, updated_at=$8
		 WHERE id=$1 AND status=$9 AND deleted_at IS NULL`

	qSoftDeleteCampaign = `
		UPDATE campaigns SET deleted_at=$2, updated_at=$2
		 WHERE id=$1 AND deleted_at IS NULL`

	qMarkCampaignSent = `
		UPDATE campaigns
		   SET status='sent', sent_at=$2, updated_at=$2
		 WHERE id=$1 AND status='scheduled' AND deleted_at IS NULL`

	qListCampaigns = `
		SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE owner_id = $1 AND deleted_at IS NULL
		ORDER BY id DESC
		LIMIT $2 OFFSET $3`

	qCountCampaigns = `
		SELECT COUNT(*) FROM campaigns
		WHERE owner_id = $1 AND deleted_at IS NULL`

	qListDueCampaigns = `
		SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE status = 'scheduled' AND deleted_at IS NULL AND scheduled_at <= $1
		  AND (scheduled_at, id) > ($2, $3)
		ORDER BY scheduled_at, id
		LIMIT $4`

	qInsertAudit = `
		INSERT INTO campaign_audits (campaign_id, actor_id, action, details, created_at)
		VALUES ($1,$2,$3,$4::jsonb,$5)`

	qTargetSubscribed = `
		INSERT INTO campaign_subscribers (campaign_id, subscriber_id)
		SELECT $1, s.id FROM subscribers s
		WHERE s.owner_id = $2 AND s.status = 'subscribed'
		ON CONFLICT (campaign_id, subscriber_id) DO NOTHING`

	qTargetListed = `
		INSERT INTO campaign_subscribers (campaign_id, subscriber_id)
		SELECT $1, s.id FROM subscribers s
		WHERE s.owner_id = $2 AND s.status = 'subscribed' AND s.id = ANY($3)
		ON CONFLICT (campaign_id, subscriber_id) DO NOTHING`

	qListTargets = `
		SELECT s.id, s.email, s.name, s.status, s.owner_id
		FROM campaign_subscribers cs
		JOIN subscribers s ON s.id = cs.subscriber_id
		WHERE cs.campaign_id = $1
		ORDER BY s.id`

	qIsTargeted = `
		SELECT EXISTS (SELECT 1 FROM campaign_subscribers WHERE campaign_id=$1 AND subscriber_id=$2)`

	qMarkDelivered = `
		INSERT INTO campaign_subscribers (campaign_id, subscriber_id, sent_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (campaign_id, subscriber_id) DO UPDATE
		   SET sent_at = EXCLUDED.sent_at
		 WHERE campaign_subscribers.sent_at IS NULL`

	qInsertEvent = `
		INSERT INTO email_events (campaign_id, subscriber_id, event_type, event_data, created_at)
		VALUES ($1,$2,$3,$4::jsonb,$5)`

	qSetSubscriberStatus = `
		UPDATE subscribers SET status=$2, updated_at=$3 WHERE id=$1`

	qListEvents = `
		SELECT id, campaign_id, subscriber_id, event_type, event_data, created_at
		FROM email_events
		WHERE campaign_id = $1
		ORDER BY id
		LIMIT $2 OFFSET $3`

	qDeliveryStats = `
		SELECT c.id,
		       COUNT(cs.subscriber_id) AS targeted,
		       COUNT(cs.sent_at)       AS delivered,
		       (SELECT COUNT(DISTINCT e.subscriber_id) FROM email_events e
		         WHERE e.campaign_id = c.id AND e.event_type = 'error') AS errors
		FROM campaigns c
		LEFT JOIN campaign_subscribers cs ON cs.campaign_id = c.id
		WHERE c.id = ANY($1)
		GROUP BY c.id`
)

func scanCampaign(r rowScanner) (campaign.Campaign, error) {
	var (
		c           campaign.Campaign
		templateID  sql.NullInt64
		scheduledAt sql.NullTime
		sentAt      sql.NullTime
		status      string
	)
	err := r.Scan(&c.ID, &c.Name, &c.Subject, &c.Body, &templateID, &c.OwnerID, &status,
		&scheduledAt, &sentAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return campaign.Campaign{}, err
	}
	c.Status = campaign.Status(status)
	if templateID.Valid {
		c.TemplateID = &templateID.Int64
	}
	if scheduledAt.Valid {
		c.ScheduledAt = &scheduledAt.Time
	}
	if sentAt.Valid {
		c.SentAt = &sentAt.Time
	}
	return c, nil
}

// CreateCampaign inserts c, fills in its id and records the create audit.
func (s *Store) CreateCampaign(ctx context.Context, c *campaign.Campaign, actorID int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, qInsertCampaign,
			c.Name, c.Subject, c.Body, nullInt64(c.TemplateID), c.OwnerID, string(c.Status),
			nullTime(c.ScheduledAt), c.CreatedAt,
		).Scan(&c.ID)
		if err != nil {
			return fmt.Errorf("insert campaign: %w", err)
		}
		return insertAudit(ctx, tx, c.ID, actorID, campaign.AuditCreate, map[string]any{"name": c.Name}, c.CreatedAt)
	})
}

func (s *Store) GetCampaign(ctx context.Context, id int64) (campaign.Campaign, error) {
	c, err := scanCampaign(s.DB.QueryRowContext(ctx, qGetCampaign, id))
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Campaign{}, campaign.ErrNotFound
	}
	if err != nil {
		return campaign.Campaign{}, fmt.Errorf("get campaign %d: %w", id, err)
	}
	return c, nil
}

// AuditEntry is the administrative record written alongside a campaign mutation.
type AuditEntry struct {
	ActorID int64
	Action  campaign.AuditAction
	Details any
}

func updateCampaign(ctx context.Context, ex execer, c campaign.Campaign, from campaign.Status) error {
	res, err := ex.ExecContext(ctx, qUpdateCampaign,
		c.ID, c.Name, c.Subject, c.Body, nullInt64(c.TemplateID), string(c.Status),
		nullTime(c.ScheduledAt), c.UpdatedAt, string(from),
	)
	if err != nil {
		return fmt.Errorf("update campaign %d: %w", c.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: campaign %d is no longer %s", campaign.ErrInvalidState, c.ID, from)
	}
	return nil
}

// UpdateCampaign saves c only if it is still in status from, and records the audit entry.
func (s *Store) UpdateCampaign(ctx context.Context, c campaign.Campaign, from campaign.Status, a AuditEntry) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := updateCampaign(ctx, tx, c, from); err != nil {
			return err
		}
		return insertAudit(ctx, tx, c.ID, a.ActorID, a.Action, a.Details, c.UpdatedAt)
	})
}

// ScheduleCampaign saves c and materializes its targets. An empty subscriberIDs targets
// every subscribed subscriber of the owner. Returns the number of newly targeted rows.
func (s *Store) ScheduleCampaign(ctx context.Context, c campaign.Campaign, from campaign.Status, subscriberIDs []int64, a AuditEntry) (int64, error) {
	var added int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := updateCampaign(ctx, tx, c, from); err != nil {
			return err
		}

		var (
			res sql.Result
			err error
		)
		if len(subscriberIDs) == 0 {
			res, err = tx.ExecContext(ctx, qTargetSubscribed, c.ID, c.OwnerID)
		} else {
			res, err = tx.ExecContext(ctx, qTargetListed, c.ID, c.OwnerID, int64Slice(subscriberIDs))
		}
		if err != nil {
			return fmt.Errorf("target subscribers: %w", err)
		}
		if added, err = res.RowsAffected(); err != nil {
			return err
		}
		return insertAudit(ctx, tx, c.ID, a.ActorID, a.Action, a.Details, c.UpdatedAt)
	})
	return added, err
}

func (s *Store) SoftDeleteCampaign(ctx context.Context, id, actorID int64, at time.Time) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, qSoftDeleteCampaign, id, at)
		if err != nil {
			return fmt.Errorf("delete campaign %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return campaign.ErrNotFound
		}
		return insertAudit(ctx, tx, id, actorID, campaign.AuditDelete, nil, at)
	})
}

// MarkCampaignSent flips a scheduled campaign to sent and records the markAsSent audit.
func (s *Store) MarkCampaignSent(ctx context.Context, id, actorID int64, at time.Time, jobs int) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, qMarkCampaignSent, id, at)
		if err != nil {
			return fmt.Errorf("mark campaign %d sent: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: campaign %d is no longer scheduled", campaign.ErrInvalidState, id)
		}
		return insertAudit(ctx, tx, id, actorID, campaign.AuditMarkAsSent, map[string]any{"jobs": jobs}, at)
	})
}

func (s *Store) listCampaigns(ctx context.Context, query string, args ...any) ([]campaign.Campaign, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListCampaigns returns one page of the owner's campaigns, newest first, with totals for paging.
func (s *Store) ListCampaigns(ctx context.Context, ownerID int64, limit, offset int) (campaign.CampaignPage, error) {
	limit, offset = page(limit, offset)
	out := campaign.CampaignPage{Campaigns: []campaign.CampaignDetails{}, Limit: limit, Offset: offset}

	if err := s.DB.QueryRowContext(ctx, qCountCampaigns, ownerID).Scan(&out.TotalItems); err != nil {
		return campaign.CampaignPage{}, fmt.Errorf("count campaigns: %w", err)
	}
	out.TotalPages = int((out.TotalItems + int64(limit) - 1) / int64(limit))

	cs, err := s.listCampaigns(ctx, qListCampaigns, ownerID, limit, offset)
	if err != nil {
		return campaign.CampaignPage{}, fmt.Errorf("list campaigns: %w", err)
	}
	if len(cs) == 0 {
		return out, nil
	}

	ids := make([]int64, len(cs))
	for i, c := range cs {
		ids[i] = c.ID
	}
	stats, err := s.deliveryStats(ctx, ids)
	if err != nil {
		return campaign.CampaignPage{}, err
	}

	out.Campaigns = make([]campaign.CampaignDetails, len(cs))
	for i, c := range cs {
		out.Campaigns[i] = campaign.CampaignDetails{Campaign: c, Stats: stats[c.ID]}
	}
	return out, nil
}

// ListDueCampaigns returns scheduled campaigns whose scheduled_at has passed, ordered by
// (scheduled_at, id) and starting strictly after the after cursor.
func (s *Store) ListDueCampaigns(ctx context.Context, now time.Time, after campaign.DueCursor, limit int) ([]campaign.Campaign, error) {
	cs, err := s.listCampaigns(ctx, qListDueCampaigns, now, after.ScheduledAt, after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list due campaigns: %w", err)
	}
	return cs, nil
}

func (s *Store) GetDeliveryStats(ctx context.Context, campaignID int64) (campaign.DeliveryStats, error) {
	stats, err := s.deliveryStats(ctx, []int64{campaignID})
	if err != nil {
		return campaign.DeliveryStats{}, err
	}
	return stats[campaignID], nil
}

func (s *Store) deliveryStats(ctx context.Context, ids []int64) (map[int64]campaign.DeliveryStats, error) {
	rows, err := s.DB.QueryContext(ctx, qDeliveryStats, int64Slice(ids))
	if err != nil {
		return nil, fmt.Errorf("delivery stats: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]campaign.DeliveryStats, len(ids))
	for rows.Next() {
		var id int64
		var st campaign.DeliveryStats
		if err := rows.Scan(&id, &st.Targeted, &st.Delivered, &st.Errors); err != nil {
			return nil, err
		}
		st.Pending = st.Targeted - st.Delivered
		out[id] = st
	}
	return out, rows.Err()
}

// ListTargets returns every subscriber targeted by the campaign with their current status.
func (s *Store) ListTargets(ctx context.Context, campaignID int64) ([]campaign.Subscriber, error) {
	rows, err := s.DB.QueryContext(ctx, qListTargets, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var out []campaign.Subscriber
	for rows.Next() {
		var sub campaign.Subscriber
		var status string
		if err := rows.Scan(&sub.ID, &sub.Email, &sub.Name, &status, &sub.OwnerID); err != nil {
			return nil, err
		}
		sub.Status = campaign.SubscriberStatus(status)
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) IsTargeted(ctx context.Context, campaignID, subscriberID int64) (bool, error) {
	var ok bool
	if err := s.DB.QueryRowContext(ctx, qIsTargeted, campaignID, subscriberID).Scan(&ok); err != nil {
		return false, fmt.Errorf("check target: %w", err)
	}
	return ok, nil
}

// MarkDelivered sets sent_at for the delivery row unless it is already set.
// It reports whether this call was the first write.
func (s *Store) MarkDelivered(ctx context.Context, campaignID, subscriberID int64, at time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, qMarkDelivered, campaignID, subscriberID, at)
	if err != nil {
		return false, fmt.Errorf("mark delivered (%d,%d): %w", campaignID, subscriberID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func insertEvent(ctx context.Context, ex execer, e campaign.EmailEvent) error {
	_, err := ex.ExecContext(ctx, qInsertEvent,
		e.CampaignID, e.SubscriberID, string(e.Type), nullJSON(e.Data), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert %s event: %w", e.Type, err)
	}
	return nil
}

// AppendEvent writes one ledger row.
func (s *Store) AppendEvent(ctx context.Context, e campaign.EmailEvent) error {
	return insertEvent(ctx, s.DB, e)
}

// RecordEvent writes a ledger row and, when status is set, moves the subscriber to it.
func (s *Store) RecordEvent(ctx context.Context, e campaign.EmailEvent, status campaign.SubscriberStatus) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := insertEvent(ctx, tx, e); err != nil {
			return err
		}
		if status == "" {
			return nil
		}
		if _, err := tx.ExecContext(ctx, qSetSubscriberStatus, e.SubscriberID, string(status), e.CreatedAt); err != nil {
			return fmt.Errorf("set subscriber %d %s: %w", e.SubscriberID, status, err)
		}
		return nil
	})
}

func (s *Store) ListEvents(ctx context.Context, campaignID int64, limit, offset int) ([]campaign.EmailEvent, error) {
	limit, offset = page(limit, offset)

	rows, err := s.DB.QueryContext(ctx, qListEvents, campaignID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	out := []campaign.EmailEvent{}
	for rows.Next() {
		var e campaign.EmailEvent
		var typ string
		var data []byte
		if err := rows.Scan(&e.ID, &e.CampaignID, &e.SubscriberID, &typ, &data, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = campaign.EventType(typ)
		if len(data) > 0 {
			e.Data = json.RawMessage(data)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func insertAudit(ctx context.Context, ex execer, campaignID, actorID int64, action campaign.AuditAction, details any, at time.Time) error {
	var raw any
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("audit details: %w", err)
		}
		raw = string(b)
	}
	if _, err := ex.ExecContext(ctx, qInsertAudit, campaignID, actorID, string(action), raw, at); err != nil {
		return fmt.Errorf("insert %s audit: %w", action, err)
	}
	return nil
}

func page(limit, offset int) (int, int) {
	if limit <= 0 || limit > 1000 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

type int64Slice []int64

func (a int64Slice) Value() (driver.Value, error) {
	if len(a) == 0 {
		return "{}", nil
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, v := range a {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(v, 10))
	}
	b.WriteByte('}')
	return b.String(), nil
}
