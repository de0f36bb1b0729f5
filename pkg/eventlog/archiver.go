package eventlog

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Archiver runs the retention sweep on a cron schedule: events older than
// the retention window move from the hot table to the archive table. It is
// entirely off the append path and disabled unless started.
type Archiver struct {
	log       *Log
	retention time.Duration
	schedule  string
	cron      *cron.Cron
	logger    zerolog.Logger
}

// NewArchiver creates a retention archiver. schedule is a standard cron
// expression; retention is how long events stay in the hot table.
func NewArchiver(log *Log, schedule string, retention time.Duration, logger zerolog.Logger) *Archiver {
	return &Archiver{
		log:       log,
		retention: retention,
		schedule:  schedule,
		logger:    logger.With().Str("component", "eventlog-archiver").Logger(),
	}
}

// Start registers and starts the cron schedule.
func (a *Archiver) Start() error {
	if a.retention <= 0 {
		return fmt.Errorf("retention must be positive, got %s", a.retention)
	}

	c := cron.New()
	if _, err := c.AddFunc(a.schedule, a.sweep); err != nil {
		return fmt.Errorf("invalid archive schedule %q: %w", a.schedule, err)
	}
	c.Start()
	a.cron = c

	a.logger.Info().
		Str("schedule", a.schedule).
		Dur("retention", a.retention).
		Msg("Retention archiver started")
	return nil
}

// Stop halts the schedule, waiting for an in-flight sweep to finish.
func (a *Archiver) Stop() {
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
}

// Sweep runs one archive pass immediately. Exposed for operational use and
// tests; the cron schedule calls the same path.
func (a *Archiver) Sweep() (int64, error) {
	cutoff := time.Now().Add(-a.retention)
	moved, err := a.log.Archive(context.Background(), cutoff)
	if err != nil {
		return 0, err
	}
	if moved > 0 {
		_, err = a.log.Append(context.Background(), AppendRequest{
			EventType: TypeEventsArchived,
			ActorID:   ActorID,
			Payload: map[string]interface{}{
				"archived": moved,
				"cutoff":   cutoff.UTC().Format(time.RFC3339),
			},
		})
	}
	return moved, err
}

func (a *Archiver) sweep() {
	moved, err := a.Sweep()
	if err != nil {
		a.logger.Error().Err(err).Msg("Retention sweep failed")
		return
	}
	if moved > 0 {
		a.logger.Info().Int64("archived", moved).Msg("Retention sweep archived events")
	}
}
