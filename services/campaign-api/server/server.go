package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Mutter0815/mailcast/pkg/metrics"
)

func NewRouter(h *Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), Observability())

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/docs", h.Docs)
	r.GET("/docs/campaign-api/openapi.yaml", h.OpenAPI)

	g := r.Group("/campaigns", RequireActor())
	g.POST("", h.CreateCampaign)
	g.GET("", h.ListCampaigns)
	g.GET("/:id", h.GetCampaign)
	g.PUT("/:id", h.UpdateCampaign)
	g.DELETE("/:id", h.DeleteCampaign)
	g.PUT("/:id/status", h.SetStatus)
	g.POST("/:id/schedule", h.ScheduleCampaign)
	g.POST("/:id/cancel", h.CancelCampaign)
	g.POST("/:id/send", h.SendCampaign)
	g.GET("/:id/events", h.ListEvents)
	g.POST("/:id/events", h.RecordEvent)

	return r
}

func NewHTTPServer(addr string, h *Handlers) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: NewRouter(h),
	}
}
