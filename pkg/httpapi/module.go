package httpapi

import (
	"net/http"

	"questledger/pkg/config"
	"questledger/pkg/health"
	"questledger/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		NewEngine,
		func(e *gin.Engine) http.Handler { return e },
	),
	fx.Invoke(registerRoutes),
)

// Routes is implemented by every service exposing HTTP endpoints.
type Routes interface {
	Register(r gin.IRouter)
}

// AsRoutes annotates a constructor so its result joins the route group.
func AsRoutes(f any) any {
	return fx.Annotate(
		f,
		fx.As(new(Routes)),
		fx.ResultTags(`group:"routes"`),
	)
}

func NewEngine(cfg *config.Config) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	e := gin.New()
	e.Use(gin.Recovery(), middleware.Error())
	return e
}

type routeParams struct {
	fx.In
	Engine *gin.Engine
	Config *config.Config
	Health health.HealthService
	Routes []Routes `group:"routes"`
}

func registerRoutes(p routeParams) {
	p.Engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	p.Engine.GET("/health/liveness", p.Health.Liveness)
	p.Engine.GET("/health/readiness", p.Health.Readiness)

	if p.Config.Metrics.Enabled {
		p.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	v1 := p.Engine.Group("/v1")
	for _, r := range p.Routes {
		r.Register(v1)
	}
}
