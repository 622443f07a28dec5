package cmd

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fluxbase-eu/pgtest/internal/observability"
	"github.com/fluxbase-eu/pgtest/internal/provision"
)

// watchStatus is the /healthz document of cleanup --watch
type watchStatus struct {
	Status   string     `json:"status"`
	Prefix   string     `json:"prefix"`
	Schedule string     `json:"schedule"`
	LastRun  *time.Time `json:"last_run,omitempty"`
}

// newWatchServer serves the janitor metrics and a health probe
func newWatchServer(gatherer prometheus.Gatherer, scheduler *provision.CleanupScheduler, prefix, schedule string) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		AppName:               "pgtest janitor",
	})

	app.Get("/metrics", observability.Handler(gatherer))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		status := watchStatus{
			Status:   "ok",
			Prefix:   prefix,
			Schedule: schedule,
		}
		if last := scheduler.LastRun(); !last.IsZero() {
			status.LastRun = &last
		}
		if !scheduler.IsRunning() {
			status.Status = "stopped"
			return c.Status(fiber.StatusServiceUnavailable).JSON(status)
		}
		return c.JSON(status)
	})

	return app
}
