package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Mutter0815/mailcast/docs"
	"github.com/Mutter0815/mailcast/internal/campaign"
	"github.com/Mutter0815/mailcast/internal/dispatch"
	"github.com/Mutter0815/mailcast/pkg/logx"
)

type lifecycleAPI interface {
	Create(ctx context.Context, actorID int64, req campaign.CreateCampaignReq) (campaign.Campaign, error)
	Get(ctx context.Context, actorID, id int64) (campaign.CampaignDetails, error)
	List(ctx context.Context, actorID int64, limit, offset int) (campaign.CampaignPage, error)
	Update(ctx context.Context, actorID, id int64, req campaign.UpdateCampaignReq) (campaign.Campaign, error)
	Schedule(ctx context.Context, actorID, id int64, req campaign.ScheduleReq) (campaign.Campaign, int64, error)
	Cancel(ctx context.Context, actorID, id int64) (campaign.Campaign, error)
	SetStatus(ctx context.Context, actorID, id int64, to campaign.Status) (campaign.Campaign, error)
	Delete(ctx context.Context, actorID, id int64) error
	Events(ctx context.Context, actorID, id int64, limit, offset int) (campaign.EventPage, error)
	RecordEvent(ctx context.Context, actorID, id int64, req campaign.RecordEventReq) (campaign.EmailEvent, error)
}

type dispatchAPI interface {
	Dispatch(ctx context.Context, campaignID, actorID int64) (dispatch.Result, error)
}

type Handlers struct {
	Campaigns lifecycleAPI
	Dispatch  dispatchAPI
}

func NewHandlers(l lifecycleAPI, d dispatchAPI) *Handlers {
	return &Handlers{Campaigns: l, Dispatch: d}
}

type statusReq struct {
	Status campaign.Status `json:"status" binding:"required"`
}

type scheduleResp struct {
	Campaign campaign.Campaign `json:"campaign"`
	Targeted int64             `json:"targeted"`
}

func (h *Handlers) Healthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (h *Handlers) Docs(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", docs.CampaignSwaggerHTML)
}

func (h *Handlers) OpenAPI(c *gin.Context) {
	c.Data(http.StatusOK, "application/yaml", docs.CampaignOpenAPI)
}

// writeError maps domain errors to HTTP statuses. Broker and database details stay in the log.
func writeError(c *gin.Context, op string, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, campaign.ErrInvalidTransition),
		errors.Is(err, campaign.ErrInvalidState),
		errors.Is(err, campaign.ErrValidation):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, campaign.ErrDispatchInProgress):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, campaign.ErrEnqueue):
		status, msg = http.StatusBadGateway, "queue unavailable"
	}
	if status >= http.StatusInternalServerError {
		logx.L().Errorw(op+"_error", "request_id", c.GetString("request_id"), "error", err)
	}
	c.JSON(status, gin.H{"error": msg})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid campaign id"})
		return 0, false
	}
	return id, true
}

func paging(c *gin.Context, def int) (int, int) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || limit <= 0 || limit > 1000 {
		limit = def
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (h *Handlers) CreateCampaign(c *gin.Context) {
	var req campaign.CreateCampaignReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	cp, err := h.Campaigns.Create(ctx, actorID(c), req)
	if err != nil {
		writeError(c, "create_campaign", err)
		return
	}
	c.JSON(http.StatusCreated, campaign.CreateCampaignResp{ID: cp.ID})
}

func (h *Handlers) ListCampaigns(c *gin.Context) {
	limit, offset := paging(c, 20)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	out, err := h.Campaigns.List(ctx, actorID(c), limit, offset)
	if err != nil {
		writeError(c, "list_campaigns", err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) GetCampaign(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	out, err := h.Campaigns.Get(ctx, actorID(c), id)
	if err != nil {
		writeError(c, "get_campaign", err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) UpdateCampaign(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req campaign.UpdateCampaignReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	out, err := h.Campaigns.Update(ctx, actorID(c), id, req)
	if err != nil {
		writeError(c, "update_campaign", err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) ScheduleCampaign(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req campaign.ScheduleReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	cp, targeted, err := h.Campaigns.Schedule(ctx, actorID(c), id, req)
	if err != nil {
		writeError(c, "schedule_campaign", err)
		return
	}
	c.JSON(http.StatusOK, scheduleResp{Campaign: cp, Targeted: targeted})
}

func (h *Handlers) CancelCampaign(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	out, err := h.Campaigns.Cancel(ctx, actorID(c), id)
	if err != nil {
		writeError(c, "cancel_campaign", err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) SetStatus(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req statusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	out, err := h.Campaigns.SetStatus(ctx, actorID(c), id, req.Status)
	if err != nil {
		writeError(c, "set_status", err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// SendCampaign is "mark as sent": it fans the campaign out onto the work queue.
func (h *Handlers) SendCampaign(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 60*time.Second)
	defer cancel()

	res, err := h.Dispatch.Dispatch(ctx, id, actorID(c))
	if err != nil {
		writeError(c, "dispatch", err)
		return
	}
	c.JSON(http.StatusOK, campaign.DispatchResp{Campaign: res.Campaign, JobCount: res.JobCount})
}

func (h *Handlers) DeleteCampaign(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := h.Campaigns.Delete(ctx, actorID(c), id); err != nil {
		writeError(c, "delete_campaign", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) ListEvents(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	limit, offset := paging(c, 50)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	out, err := h.Campaigns.Events(ctx, actorID(c), id, limit, offset)
	if err != nil {
		writeError(c, "list_events", err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) RecordEvent(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req campaign.RecordEventReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	out, err := h.Campaigns.RecordEvent(ctx, actorID(c), id, req)
	if err != nil {
		writeError(c, "record_event", err)
		return
	}
	c.JSON(http.StatusCreated, out)
}
