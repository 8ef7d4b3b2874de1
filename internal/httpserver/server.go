// Package httpserver is a thin HTTP shell: it mounts the webhook path
// and /metrics/+/healthz on gofiber/fiber and hands every webhook body
// straight to internal/intake.Intake.HandleWebhook — no business logic
// lives here.
package httpserver

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog/log"

	"github.com/local/tuolan/internal/intake"
	"github.com/local/tuolan/internal/metrics"
	"github.com/local/tuolan/internal/orchestrator"
)

// Intaker is the narrow surface the server needs from internal/intake.
type Intaker interface {
	HandleWebhook(ctx context.Context, rawBody []byte, welcomer intake.Welcomer) (intake.Response, error)
}

// Server wires the webhook, health, and metrics endpoints.
type Server struct {
	app      *fiber.App
	intaker  Intaker
	welcomer intake.Welcomer
	metrics  *metrics.Registry
}

// New builds a Server. welcomer may be nil if member-join events
// aren't handled.
func New(intaker Intaker, welcomer intake.Welcomer, reg *metrics.Registry) *Server {
	app := fiber.New(fiber.Config{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})
	app.Use(recover.New())

	s := &Server{app: app, intaker: intaker, welcomer: welcomer, metrics: reg}

	app.Post("/webhook", s.handleWebhook)
	app.Get("/healthz", s.handleHealthz)
	if reg != nil {
		app.Get("/metrics", adaptor.HTTPHandler(reg.Handler()))
	}
	return s
}

// handleWebhook parses, verifies, and dedups, then returns success
// immediately — the platform's retry timer is never armed by slow
// model calls (see internal/intake).
func (s *Server) handleWebhook(c *fiber.Ctx) error {
	resp, err := s.intaker.HandleWebhook(c.Context(), c.Body(), s.welcomer)
	if err != nil {
		if _, ok := err.(intake.ErrInvalidToken); ok {
			return c.SendStatus(fiber.StatusForbidden)
		}
		log.Warn().Err(err).Msg("webhook handling failed")
		return c.SendStatus(fiber.StatusBadRequest)
	}
	return c.JSON(resp)
}

func (s *Server) handleHealthz(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "time": time.Now().UTC()})
}

// Listen blocks, serving on addr until the process is signaled to
// stop via ctx.
func (s *Server) Listen(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.app.Listen(addr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.app.ShutdownWithContext(ctx)
	}
}

// PollDispatcherStats mirrors the dispatcher's worker-pool counters
// onto the metrics registry every interval, until ctx is done. Run as
// a background goroutine alongside Listen.
func (s *Server) PollDispatcherStats(ctx context.Context, dispatcher *orchestrator.Dispatcher, interval time.Duration) {
	if s.metrics == nil || dispatcher == nil {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := dispatcher.Stats()
			s.metrics.SetPoolStats(stats.RunningWorkers, int64(stats.WaitingTasks))
		}
	}
}
