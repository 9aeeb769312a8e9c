package controller

import (
	"subspace.ai/internal/dole"
	"subspace.ai/internal/ledger"
)

// Metrics is a point-in-time copy of the controller state exported on
// /metrics.
type Metrics struct {
	Method      string
	Inventory   []ledger.Count
	Endpoints   int
	Gauges      []dole.Gauge
	Flows       []Flow
	Sessions    int
	Subscribers int
}

func (c *Controller) snapshotMetrics() Metrics {
	return Metrics{
		Method:      c.coord.Policy().Method().String(),
		Inventory:   c.coord.Storage().Serialize(),
		Endpoints:   c.endpoints.Len(),
		Gauges:      c.coord.Gauges(),
		Flows:       c.coord.Flows(),
		Sessions:    c.registry.Sessions(),
		Subscribers: c.registry.Subscribers(),
	}
}
