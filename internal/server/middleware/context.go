package middleware

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rabbitmq/amqp091-go"

	"github.com/pressgraph/backend/pkg/comention"
	"github.com/pressgraph/backend/pkg/store"
)

// App carries the shared clients every handler needs.
type App struct {
	DBConn  *pgxpool.Pool
	Queue   *amqp091.Channel
	Storage store.Storage
	Graph   *comention.Builder
}

type AppContext struct {
	echo.Context
	App *App
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &AppContext{c, app}
			return next(cc)
		}
	}
}
