package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs a Sweeper on a fixed cron interval.
type Scheduler struct {
	cron     *cron.Cron
	sweeper  *Sweeper
	interval time.Duration
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewScheduler(s *Sweeper, interval time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{logger}),
		cron.WithChain(cron.Recover(cronLogger{logger}), cron.SkipIfStillRunning(cronLogger{logger})),
	)
	ctx, cancel := context.WithCancel(context.Background())
	sch := &Scheduler{cron: c, sweeper: s, interval: interval, logger: logger, ctx: ctx, cancel: cancel}

	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), sch.tick); err != nil {
		cancel()
		return nil, fmt.Errorf("register sweep job: %w", err)
	}
	return sch, nil
}

// tick bounds each sweep by the interval so a stuck store call cannot pile
// up behind the next tick.
func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(s.ctx, s.interval)
	defer cancel()
	_ = s.sweeper.Sweep(ctx)
}

func (s *Scheduler) Start() {
	s.logger.Info("starting expiry sweeper", "interval", s.interval.String(), "ttl", s.sweeper.TTL.String())
	s.cron.Start()
}

// Stop cancels an in-flight sweep and waits for it to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("expiry sweeper stopped")
}

// cronLogger routes cron's own messages, including recovered job panics,
// into slog. Routine scheduling chatter goes to debug.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
