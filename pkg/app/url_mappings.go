package app

import (
	"net/http"

	"github.com/axiomengine/axiom-workers/internal/controllers"
	"github.com/axiomengine/axiom-workers/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupMappings(app *Application) {
	app.Engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":        "ok",
			"engineHealthy": app.EngineClient.Healthy(c.Request.Context()),
		})
	})
	app.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := app.Engine.Group("/v1", middleware.WorkerKeyMiddleware(app.Config.WorkerKey))
	{
		v1.POST("/jobs", middleware.RateLimitSubmit(app.RateLimiter, app.Config),
			controllers.NewSubmitJobController(app.Dispatcher).Handle)
		v1.GET("/jobs/:id", controllers.NewGetJobController(app.Dispatcher).Handle)
		v1.DELETE("/jobs/:id", controllers.NewCancelJobController(app.Dispatcher).Handle)

		v1.GET("/queues", controllers.NewQueuesController(app.Dispatcher).Handle)
		v1.GET("/resources", controllers.NewResourcesController(app.Gate).Handle)
	}
}
