package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/smallbiznis/qbo-connect/internal/config"
	"github.com/smallbiznis/qbo-connect/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/qbo-connect/internal/http/middleware"
	"github.com/smallbiznis/qbo-connect/internal/middleware"
)

// NewRouter wires gin routes and middleware for the local tool surface.
func NewRouter(cfg config.Config, connections *handler.ConnectionHandler, rateLimiter *middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", connections.Healthz)
	r.GET("/companies", connections.ListCompanies)
	r.POST("/authenticate", connections.Authenticate)
	r.GET("/token", connections.GetToken)

	tokens := r.Group("/tokens")
	{
		tokens.DELETE("", connections.ClearAll)
		tokens.DELETE("/:tenant", connections.ClearOne)
	}

	return r
}
