// Package adminapi exposes the engine's administrative surface:
// block/unblock risk for a group, skip-once, force_stop_engine,
// force_start_engine, manual exit, and promote/remove for queued signals.
// Every operation is idempotent in effect. The transport is an HTTP/JSON
// mux guarded by a comma-separated API-key allowlist, plus a gRPC health
// endpoint (grpc.go) that mirrors the health manager for infrastructure
// probes.
package adminapi

import (
	"context"

	"github.com/google/uuid"

	"dcaengine/internal/core"
)

// RiskControl is the Risk Engine surface the admin API drives.
type RiskControl interface {
	SetGroupBlocked(ctx context.Context, groupID uuid.UUID, blocked bool) error
	SkipOnce(ctx context.Context, groupID uuid.UUID) error
	ForceStopEngine(ctx context.Context, userID uuid.UUID) error
	ForceStartEngine(ctx context.Context, userID uuid.UUID) error
}

// QueueControl is the Queue Manager surface the admin API drives.
type QueueControl interface {
	PromoteSpecific(ctx context.Context, signalID uuid.UUID) error
	RemoveQueued(ctx context.Context, signalID uuid.UUID) error
}

// Exiter is the Signal Router's manual-exit surface.
type Exiter interface {
	ManualExit(ctx context.Context, groupID uuid.UUID) core.RouterResponse
}

// Service bundles the collaborators behind the admin transports.
type Service struct {
	risk   RiskControl
	queue  QueueControl
	exiter Exiter
	logger core.ILogger
}

// NewService builds the admin service.
func NewService(risk RiskControl, queue QueueControl, exiter Exiter, logger core.ILogger) *Service {
	return &Service{
		risk:   risk,
		queue:  queue,
		exiter: exiter,
		logger: logger.WithField("component", "admin_api"),
	}
}
