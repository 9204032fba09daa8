package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Cleaner is the part of a Registry the Janitor drives.
type Cleaner interface {
	Family() Family
	Cleanup(retention time.Duration) int
}

// Retention pairs a registry with how long its finished jobs are kept.
type Retention struct {
	Cleaner Cleaner
	Keep    time.Duration
}

// Janitor removes expired jobs from every registry on a cron schedule.
type Janitor struct {
	cron    *cron.Cron
	entries []Retention
	log     zerolog.Logger
}

// NewJanitor schedules cleanup with a standard cron spec or a
// descriptor such as "@every 1h".
func NewJanitor(schedule string, log zerolog.Logger, entries ...Retention) (*Janitor, error) {
	j := &Janitor{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		entries: entries,
		log:     log,
	}
	if _, err := j.cron.AddFunc(schedule, func() { j.Sweep() }); err != nil {
		return nil, fmt.Errorf("scheduling job cleanup %q: %w", schedule, err)
	}
	return j, nil
}

// Sweep runs one cleanup pass and returns the number of jobs removed.
func (j *Janitor) Sweep() int {
	total := 0
	for _, e := range j.entries {
		n := e.Cleaner.Cleanup(e.Keep)
		if n > 0 {
			j.log.Debug().Str("family", string(e.Cleaner.Family())).Int("removed", n).Msg("Cleaned up jobs")
		}
		total += n
	}
	return total
}

// Start begins the schedule.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the schedule and waits for a running sweep.
func (j *Janitor) Stop() context.Context {
	return j.cron.Stop()
}
