package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polkatrace/graph-engine/internal/quota"
)

// SetupRouter mounts the full endpoint surface. Every /api route gets
// the hardening headers, CORS, and request metrics; graph and analysis
// routes are additionally cost-charged per operation.
func SetupRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(SecurityHeaders())
	r.Use(CORS(h.cfg.Origins()))
	r.Use(Observe(h.met))

	api := r.Group("/api")
	{
		api.GET("/health", h.Health)
		api.GET("/sync/status", h.SyncStatus)
		api.GET("/stream", h.sessions.Subscribe)

		g := api.Group("/graph")
		{
			g.GET("/path", Charge(h.limiter, quota.CostPath), h.GetPath)
			g.GET("/expand", Charge(h.limiter, quota.CostExpand), h.GetExpand)
			g.GET("/metrics/:address", Charge(h.limiter, quota.CostMetrics), h.GetMetrics)
			g.GET("/patterns/:address", Charge(h.limiter, quota.CostPatterns), h.GetPatterns)
			g.GET("/:address", Charge(h.limiter, quota.CostGraphQuery), h.GetGraph)
		}

		a := api.Group("/addresses")
		{
			a.GET("/search", Charge(h.limiter, quota.CostSearch), h.Search)
			a.GET("/:address", Charge(h.limiter, quota.CostAccountFetch), h.GetAddress)
			a.GET("/:address/transfers", Charge(h.limiter, quota.CostTransfers), h.GetTransfers)
			a.GET("/:address/relationships", Charge(h.limiter, quota.CostRelationships), h.GetRelationships)
		}

		inv := api.Group("/investigations")
		{
			inv.POST("", Charge(h.limiter, quota.CostSave), h.CreateInvestigation)
			inv.GET("", h.ListInvestigations)
			inv.GET("/:id", h.GetInvestigation)
		}
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}
