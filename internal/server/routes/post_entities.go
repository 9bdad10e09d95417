package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pressgraph/backend/internal/server/middleware"
	"github.com/pressgraph/backend/internal/util"
	"github.com/pressgraph/backend/pkg/logger"
	"github.com/pressgraph/backend/pkg/store"
)

// CreateCustomEntityHandler registers an operator-curated entity. Its
// display name is pinned and survives the periodic refresh.
func CreateCustomEntityHandler(c echo.Context) error {
	type createEntityBody struct {
		Name       string `json:"name" validate:"required"`
		EntityType string `json:"entity_type" validate:"omitempty,oneof=PER LOC ORG MISC"`
		ExternalID string `json:"external_id"`
	}

	type createEntityResponse struct {
		Message string `json:"message"`
	}

	data := new(createEntityBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, createEntityResponse{
			Message: "Invalid request body",
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, createEntityResponse{
			Message: "Invalid request body",
		})
	}

	name := util.SanitizePostgresText(data.Name)
	if name == "" {
		return c.JSON(http.StatusBadRequest, createEntityResponse{
			Message: "Invalid entity name",
		})
	}

	app := c.(*middleware.AppContext).App
	err := app.Storage.CreateCustomEntity(c.Request().Context(), store.CustomEntityRow{
		DisplayName: name,
		EntityType:  data.EntityType,
		ExternalID:  data.ExternalID,
	})
	if err != nil {
		logger.Error("Failed to create custom entity", "name", name, "err", err)
		return c.JSON(http.StatusInternalServerError, createEntityResponse{
			Message: "Internal server error",
		})
	}

	return c.JSON(http.StatusCreated, createEntityResponse{
		Message: "Entity created",
	})
}
