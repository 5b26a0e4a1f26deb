package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/motopoint/internal/observability"
)

// Expirer cancels pending rides older than ttl and returns their ids.
type Expirer interface {
	ExpirePending(ctx context.Context, ttl time.Duration) ([]string, error)
}

// Locker grants one replica the right to sweep for the lease duration.
// A false result without error means another replica holds it.
type Locker interface {
	TryLock(ctx context.Context, lease time.Duration) (bool, error)
}

// Sweeper expires stale pending rides. A failed sweep is logged and counted
// and the next tick starts from scratch.
type Sweeper struct {
	Expirer Expirer
	TTL     time.Duration
	Locker  Locker // optional
	Lease   time.Duration
	Logger  *slog.Logger
}

func (s *Sweeper) log() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Sweep runs a single expiry pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	if s.Locker != nil {
		ok, err := s.Locker.TryLock(ctx, s.Lease)
		if err != nil {
			observability.SweepFailures.Inc()
			s.log().Error("sweep_failed", "stage", "lock", "error", err)
			return err
		}
		if !ok {
			s.log().Debug("sweep skipped, lock held elsewhere")
			return nil
		}
	}

	ids, err := s.Expirer.ExpirePending(ctx, s.TTL)
	if err != nil {
		observability.SweepFailures.Inc()
		s.log().Error("sweep_failed", "error", err)
		return err
	}
	if len(ids) > 0 {
		observability.RidesExpired.Add(float64(len(ids)))
		s.log().Info("rides_expired", "count", len(ids), "ride_ids", ids)
	}
	return nil
}
