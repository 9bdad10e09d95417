package server

import (
	"github.com/labstack/echo/v4"

	"github.com/pressgraph/backend/internal/server/routes"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})

	apiRoutes := e.Group("/api")

	// Graph routes
	apiRoutes.POST("/graph", routes.GetGraphHandler)

	// Entity routes
	apiRoutes.GET("/entities", routes.SearchEntitiesHandler)
	apiRoutes.POST("/entities", routes.CreateCustomEntityHandler)

	// Pipeline routes
	apiRoutes.POST("/resolve", routes.TriggerResolveHandler)
}
