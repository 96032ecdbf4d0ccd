package hitl

import (
	"context"
	"log/slog"
	"time"

	"github.com/loopdesk/loopdesk/internal/feedback"
	"github.com/loopdesk/loopdesk/internal/tenant"
)

// Sweeper periodically expires overdue requests, runs escalation rules, and
// drains any buffered feedback records, tenant by tenant. One sweeper per
// process is enough; a second instance is harmless because every transition
// it performs is a CAS.
type Sweeper struct {
	queue      *Queue
	escalation *EscalationEngine
	tenants    *tenant.Registry
	feedback   *feedback.Loop
	interval   time.Duration
}

func NewSweeper(queue *Queue, escalation *EscalationEngine, tenants *tenant.Registry, fb *feedback.Loop, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		queue:      queue,
		escalation: escalation,
		tenants:    tenants,
		feedback:   fb,
		interval:   interval,
	}
}

// Run blocks until ctx is cancelled, sweeping once per interval. The first
// sweep runs immediately so restarts do not delay breach detection.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("sweeper started", "interval", s.interval)
	s.SweepAll(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.SweepAll(ctx)
		}
	}
}

// SweepAll runs one pass over every provisioned tenant. Per-tenant failures
// are logged and do not stop the pass.
func (s *Sweeper) SweepAll(ctx context.Context) {
	tenants, err := s.tenants.List(ctx)
	if err != nil {
		slog.Error("sweep: list tenants", "error", err)
		return
	}
	for _, t := range tenants {
		tc := tenant.Context{TenantID: t.TenantID, Tier: t.Tier, NamespacePrefix: t.NamespacePrefix}
		expired, err := s.queue.SweepExpired(ctx, tc)
		if err != nil {
			slog.Error("sweep: expire", "tenant", t.TenantID, "error", err)
		} else if expired > 0 {
			slog.Info("sweep: expired requests", "tenant", t.TenantID, "count", expired)
		}

		if s.escalation != nil {
			if applied, err := s.escalation.Evaluate(ctx, tc); err != nil {
				slog.Error("sweep: escalate", "tenant", t.TenantID, "error", err)
			} else if applied > 0 {
				slog.Info("sweep: escalations applied", "tenant", t.TenantID, "count", applied)
			}
		}
	}

	if s.feedback != nil {
		s.feedback.Flush(ctx)
	}
}
