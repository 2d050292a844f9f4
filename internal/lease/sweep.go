package lease

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/workforce/internal/logging"
	"github.com/zulandar/workforce/internal/models"
	"gorm.io/gorm"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// SweepResult lists what a sweep did to each due contract.
type SweepResult struct {
	Renewed    []string
	Terminated []string
	Lapsed     []string
	Errors     []error
}

// Sweep processes every active contract whose end time is at or before now.
// Auto-renewing contracts are renewed; a renewal that fails (for example on
// an empty wallet) lapses the contract. Other contracts are terminated. Each
// contract is handled in its own transaction.
func Sweep(db *gorm.DB, now time.Time) (SweepResult, error) {
	var result SweepResult
	var due []models.LeaseContract
	if err := db.Where("status = ? AND end_time <= ?", StatusActive, now).
		Order("end_time ASC").Find(&due).Error; err != nil {
		return result, fmt.Errorf("lease: sweep: %w", err)
	}

	for _, c := range due {
		if !c.AutoRenew {
			if err := Terminate(db, c.ID); err != nil {
				result.Errors = append(result.Errors, err)
				continue
			}
			result.Terminated = append(result.Terminated, c.ID)
			continue
		}
		if _, err := Renew(db, c.ID); err != nil {
			if lerr := end(db, c.ID, StatusLapsed); lerr != nil {
				result.Errors = append(result.Errors, fmt.Errorf("lease: lapse %s after renew failure (%v): %w", c.ID, err, lerr))
				continue
			}
			result.Lapsed = append(result.Lapsed, c.ID)
			continue
		}
		result.Renewed = append(result.Renewed, c.ID)
	}
	return result, nil
}

// ValidateSchedule reports whether spec is a usable sweep schedule.
func ValidateSchedule(spec string) error {
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("lease: invalid sweep schedule %q: %w", spec, err)
	}
	return nil
}

// Sweeper runs Sweep on a cron schedule.
type Sweeper struct {
	db       *gorm.DB
	schedule string
	log      *slog.Logger
	now      func() time.Time
	// OnSweep, when set, receives each sweep's result.
	OnSweep func(SweepResult)
}

// NewSweeper validates schedule and returns a sweeper for db.
func NewSweeper(db *gorm.DB, schedule string, log *slog.Logger) (*Sweeper, error) {
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Sweeper{db: db, schedule: schedule, log: log, now: time.Now}, nil
}

// RunOnce performs a single sweep and logs its outcome.
func (s *Sweeper) RunOnce() SweepResult {
	res, err := Sweep(s.db, s.now())
	if err != nil {
		s.log.Error("lease sweep failed", "error", err)
		return res
	}
	for _, e := range res.Errors {
		s.log.Error("lease sweep", "error", e)
	}
	if n := len(res.Renewed) + len(res.Terminated) + len(res.Lapsed); n > 0 {
		s.log.Info("lease sweep",
			"renewed", len(res.Renewed),
			"terminated", len(res.Terminated),
			"lapsed", len(res.Lapsed))
	}
	if s.OnSweep != nil {
		s.OnSweep(res)
	}
	return res
}

// Start runs sweeps on the schedule until ctx is cancelled. It blocks, and
// waits for a running sweep to finish before returning.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(s.schedule, func() { s.RunOnce() }); err != nil {
		return fmt.Errorf("lease: schedule sweeper: %w", err)
	}
	c.Start()
	s.log.Info("lease sweeper started", "schedule", s.schedule)

	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info("lease sweeper stopped")
	return nil
}
