package contract

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/steward/internal/observability"
	"github.com/pitabwire/steward/model"
)

// SweepReport summarizes one sweep cycle.
type SweepReport struct {
	ContractsExpired int
	RecordsUpdated   int
}

// Sweeper runs the periodic expiration job: every active contract past its
// materialization expiry transitions to expired, then every record of fact
// derived from it is stamped source-expired. The cycle is idempotent and
// safe to run concurrently from multiple workers: the sweep itself is
// at-least-once, the per-contract state change at-most-once via the
// status-guarded update in the store.
type Sweeper struct {
	store   Store
	facts   FactStore
	clock   model.Clock
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewSweeper creates a Sweeper.
func NewSweeper(store Store, facts FactStore, clock model.Clock, logger *zap.Logger) *Sweeper {
	if clock == nil {
		clock = model.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: store, facts: facts, clock: clock, logger: logger}
}

// SetMetrics attaches the metric instruments. Nil disables recording.
func (s *Sweeper) SetMetrics(metrics *observability.Metrics) { s.metrics = metrics }

// RunOnce executes one sweep cycle at the sweeper's clock. A store failure
// aborts the cycle; contracts already transitioned keep their state (each
// transition is atomic), and a contract left expired with unswept facts is
// picked up again by the next cycle.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	now := s.clock.Now()
	start := time.Now()

	var report SweepReport
	defer func() {
		s.metrics.RecordSweep(time.Since(start), report.ContractsExpired, report.RecordsUpdated)
	}()
	sweepable, err := s.store.ListSweepable(ctx, now)
	if err != nil {
		return report, err
	}

	for _, c := range sweepable {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if c.Status == model.ContractStatusActive {
			transitioned, err := s.store.MarkExpired(ctx, c.ContractID, now)
			if err != nil {
				return report, err
			}
			if transitioned {
				report.ContractsExpired++
			}
			// Another worker may have both transitioned the contract and
			// swept its facts between our list and update. Re-read before
			// stamping facts so the count stays exact.
			fresh, err := s.store.GetByID(ctx, c.ContractID)
			if err != nil {
				return report, err
			}
			if fresh.FactsSweptAt != nil {
				continue
			}
		}

		updated, err := s.facts.MarkSourceExpired(ctx, c.TenantID, c.ExternalSourceIdentifier, now)
		if err != nil {
			return report, err
		}
		report.RecordsUpdated += updated

		if err := s.store.MarkFactsSwept(ctx, c.ContractID, now); err != nil {
			return report, err
		}

		s.logger.Info("boundary contract expired",
			zap.String("contract_id", c.ContractID),
			zap.String("tenant_id", c.TenantID),
			zap.Int("records_updated", updated),
		)
	}

	return report, nil
}

// Run executes sweep cycles on the given interval until the context is
// cancelled. Cycle errors are logged, not fatal; the next tick retries.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.RunOnce(ctx)
			if err != nil {
				s.logger.Error("contract sweep cycle failed", zap.Error(err))
				continue
			}
			if report.ContractsExpired > 0 || report.RecordsUpdated > 0 {
				s.logger.Info("contract sweep cycle complete",
					zap.Int("contracts_expired", report.ContractsExpired),
					zap.Int("records_updated", report.RecordsUpdated),
				)
			}
		}
	}
}
