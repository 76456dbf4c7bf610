package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-chat/internal/observability"
)

// ConnectionCounter reports open realtime connections.
type ConnectionCounter interface {
	Connections() int
}

// QueueDepth reports pending and in-flight jobs.
type QueueDepth interface {
	Depth(ctx context.Context) (pending, processing int64, err error)
}

// MetricsHandler exposes in-memory counters and gauges.
type MetricsHandler struct {
	metrics     *observability.Metrics
	connections ConnectionCounter
	queue       QueueDepth
}

// NewMetricsHandler constructs handler. connections and queue may be nil.
func NewMetricsHandler(metrics *observability.Metrics, connections ConnectionCounter, queue QueueDepth) *MetricsHandler {
	return &MetricsHandler{metrics: metrics, connections: connections, queue: queue}
}

// Get GET /metrics.
func (h *MetricsHandler) Get(c *fiber.Ctx) error {
	gauges := fiber.Map{}
	if h.connections != nil {
		gauges["realtime_connections"] = h.connections.Connections()
	}
	if h.queue != nil {
		if pending, processing, err := h.queue.Depth(c.UserContext()); err == nil {
			gauges["queue_pending"] = pending
			gauges["queue_processing"] = processing
		}
	}
	return c.JSON(fiber.Map{"data": fiber.Map{
		"counters": h.metrics.Snapshot(),
		"gauges":   gauges,
	}})
}
