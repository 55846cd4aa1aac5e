package api

import (
	"github.com/gin-gonic/gin"

	"proxybind/internal/logger"
)

// NewEngine builds the gin engine with middleware and all routes.
func NewEngine(h *Handler, debug bool) *gin.Engine {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.GinMiddleware())

	// Add CORS middleware
	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	h.Register(r)
	return r
}

// Register mounts the health check and the /api group.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/health", h.Health)

	apiGroup := r.Group("/api")
	{
		// Proxies
		apiGroup.GET("/proxies", h.ListProxies)
		apiGroup.POST("/proxies", h.CreateProxy)
		apiGroup.POST("/proxies/import", h.ImportProxies)
		apiGroup.GET("/proxies/:id", h.GetProxy)
		apiGroup.DELETE("/proxies/:id", h.DeleteProxy)
		apiGroup.POST("/proxies/:id/check", h.CheckProxy)

		// Accounts
		apiGroup.GET("/accounts", h.ListAccounts)
		apiGroup.POST("/accounts", h.CreateAccount)
		apiGroup.GET("/accounts/:id", h.GetAccount)
		apiGroup.DELETE("/accounts/:id", h.DeleteAccount)
		apiGroup.POST("/accounts/:id/artifact", h.RecaptureAccount)
		apiGroup.GET("/accounts/:id/binding", h.GetBinding)
		apiGroup.POST("/accounts/:id/bind", h.BindAccount)
		apiGroup.POST("/accounts/:id/release", h.ReleaseAccount)
		apiGroup.POST("/accounts/:id/outcome", h.ReportOutcome)
		apiGroup.POST("/accounts/:id/check", h.CheckAccount)

		// Manual intervention
		apiGroup.GET("/manual-tasks", h.ListManualTasks)
		apiGroup.POST("/manual-tasks/:id/resolve", h.ResolveManualTask)

		// Stats
		apiGroup.GET("/stats", h.GetStats)
		apiGroup.GET("/stats/outcomes", h.GetOutcomeStats)
		apiGroup.GET("/logs", h.GetRecentOutcomes)

		// Maintenance
		apiGroup.POST("/maintenance/:kind", h.RunMaintenance)
	}
}
