package app

import (
	"context"
	"time"

	"github.com/osvaldoandrade/podflow/internal/controllers"
	"github.com/osvaldoandrade/podflow/internal/middleware"
	"github.com/osvaldoandrade/podflow/internal/providers"
	"github.com/osvaldoandrade/podflow/pkg/auth"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupMappings(app *Application) {
	app.Engine.GET("/healthz", controllers.NewHealthController(map[string]controllers.Pinger{
		"redis": func(ctx context.Context) error { return providers.PingRedis(ctx, app.Redis, 2*time.Second) },
		"store": app.Store.Health,
	}).Handle)
	app.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := app.Engine.Group("/v1/podflow",
		middleware.AuthMiddleware(app.Validator),
		middleware.RateLimitAPI(app.RateLimiter, app.Config.RateLimit.API),
	)
	{
		run := v1.Group("", middleware.RequireScope(auth.ScopeRun))
		run.POST("/pipelines", controllers.NewRunPipelineController(app.Pipelines).Handle)
		run.POST("/chains", controllers.NewRunChainController(app.Pipelines).Handle)

		v1.POST("/generations", middleware.RequireScope(auth.ScopeGenerate), controllers.NewCreateGenerationController(app.Generations).Handle)

		read := v1.Group("", middleware.RequireScope(auth.ScopeRead))
		read.GET("/runs/:id", controllers.NewGetRunController(app.Pipelines).Handle)
		read.GET("/generations/:id", controllers.NewGetGenerationController(app.Generations).Handle)
	}
}
