package routes

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/pressgraph/backend/internal/server/middleware"
	"github.com/pressgraph/backend/pkg/logger"
)

const maxSearchResults = 50

// SearchEntitiesHandler returns known surface forms matching a query,
// for seed-input autocompletion.
func SearchEntitiesHandler(c echo.Context) error {
	type searchResponse struct {
		Message  string   `json:"message,omitempty"`
		Surfaces []string `json:"surfaces"`
	}

	query := strings.TrimSpace(c.QueryParam("q"))
	if query == "" {
		return c.JSON(http.StatusBadRequest, searchResponse{
			Message:  "Query parameter q is required",
			Surfaces: []string{},
		})
	}

	limit := queryParamInt(c, "limit", maxSearchResults)
	if limit < 1 || limit > maxSearchResults {
		limit = maxSearchResults
	}

	app := c.(*middleware.AppContext).App
	surfaces, err := app.Storage.SearchSurfaceForms(c.Request().Context(), query, limit)
	if err != nil {
		logger.Error("Failed to search surface forms", "query", query, "err", err)
		return c.JSON(http.StatusInternalServerError, searchResponse{
			Message:  "Internal server error",
			Surfaces: []string{},
		})
	}
	if surfaces == nil {
		surfaces = []string{}
	}

	return c.JSON(http.StatusOK, searchResponse{Surfaces: surfaces})
}
