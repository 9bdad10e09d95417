package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pressgraph/backend/internal/server/middleware"
	"github.com/pressgraph/backend/pkg/comention"
	"github.com/pressgraph/backend/pkg/common"
	"github.com/pressgraph/backend/pkg/logger"
)

// GetGraphHandler answers a co-mention graph query. The response is
// always a renderable graph: malformed input, unknown seeds and backend
// failures all degrade to the placeholder.
func GetGraphHandler(c echo.Context) error {
	type graphRequestBody struct {
		InputEntity  string `json:"input_ner"`
		DateMin      string `json:"date_min" validate:"required"`
		DateMax      string `json:"date_max" validate:"required"`
		GraphDepth   int    `json:"graph_depth"`
		MinNewsCount int    `json:"min_news_count"`
	}

	type graphResponse struct {
		Graph     common.Graph      `json:"graph"`
		NodeTypes map[string]string `json:"node_types"`
	}

	app := c.(*middleware.AppContext).App

	data := new(graphRequestBody)
	if err := c.Bind(data); err != nil {
		placeholder := comention.Placeholder()
		return c.JSON(http.StatusOK, graphResponse{
			Graph:     placeholder.Graph,
			NodeTypes: placeholder.NodeTypes,
		})
	}
	if err := c.Validate(data); err != nil {
		placeholder := comention.Placeholder()
		return c.JSON(http.StatusOK, graphResponse{
			Graph:     placeholder.Graph,
			NodeTypes: placeholder.NodeTypes,
		})
	}

	result, err := app.Graph.Build(c.Request().Context(), comention.Query{
		SeedName:    data.InputEntity,
		DateMin:     data.DateMin,
		DateMax:     data.DateMax,
		Depth:       data.GraphDepth,
		MinEvidence: data.MinNewsCount,
	})
	if err != nil {
		logger.Error("Failed to build graph", "seed", data.InputEntity, "err", err)
		result = comention.Placeholder()
	}

	return c.JSON(http.StatusOK, graphResponse{
		Graph:     result.Graph,
		NodeTypes: result.NodeTypes,
	})
}
