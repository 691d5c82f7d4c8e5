// Package maintenance runs the periodic background sweeps: requeueing
// jobs whose lease silently expired and rejecting approvals nobody
// answered. Every sweep is a backstop; the hot paths already self-heal.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweep is a named maintenance task on a cron schedule.
type Sweep struct {
	Name     string
	Schedule cron.Schedule
	Run      func() (int64, error)
}

// Sweeper drives registered sweeps on their schedules.
type Sweeper struct {
	sweeps []Sweep
}

func NewSweeper() *Sweeper {
	return &Sweeper{}
}

// Register parses the cron expression and adds the sweep. Standard
// 5-field expressions only.
func (s *Sweeper) Register(name, schedule string, run func() (int64, error)) error {
	parsed, err := cron.ParseStandard(schedule)
	if err != nil {
		return fmt.Errorf("maintenance: bad schedule for %s: %w", name, err)
	}
	s.sweeps = append(s.sweeps, Sweep{Name: name, Schedule: parsed, Run: run})
	return nil
}

// Run fires each sweep at its schedule until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	for _, sw := range s.sweeps {
		go s.runOne(ctx, sw)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *Sweeper) runOne(ctx context.Context, sw Sweep) {
	for {
		next := sw.Schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		n, err := sw.Run()
		if err != nil {
			slog.Warn("Maintenance sweep failed", "sweep", sw.Name, "error", err)
			continue
		}
		if n > 0 {
			slog.Info("Maintenance sweep", "sweep", sw.Name, "affected", n)
		}
	}
}
