package httpstatus

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/soltixdb/agencyd/internal/logging"
	"github.com/soltixdb/agencyd/internal/supervisor"
)

// Setup wires the read-only status routes onto app.
func Setup(app *fiber.App, logger *logging.Logger, loop *supervisor.Loop, collections CollectionRegistry) *Handler {
	h := New(loop, collections)

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,OPTIONS",
	}))
	app.Use(logging.FiberMiddleware(logger))

	app.Get("/health", h.Health)
	app.Get("/jobs", h.Jobs)
	app.Get("/datafiles", h.Datafiles)

	app.Use(h.NotFound)

	return h
}

// NewApp builds a Fiber app carrying only the ambient status routes.
func NewApp(logger *logging.Logger, loop *supervisor.Loop, collections CollectionRegistry) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "agencyd status",
		DisableStartupMessage: true,
	})
	Setup(app, logger, loop, collections)
	return app
}
