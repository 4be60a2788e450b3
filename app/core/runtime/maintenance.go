package runtime

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"switchboard/app/core/scheduler"
)

const (
	MaintenanceJobName = "journal-prune"

	defaultJournalRetentionDays = 30
	dayDirLayout                = "2006-01-02"
)

// MaintenanceOptions controls pruning of the day-partitioned journal
// directories (oracle calls, gateway traces).
type MaintenanceOptions struct {
	Enabled       bool
	PruneInterval time.Duration
	PruneTimeout  time.Duration
	RetentionDays int
	Dirs          []string
	Now           func() time.Time
}

func RegisterMaintenanceJobs(jobScheduler *scheduler.Scheduler, options MaintenanceOptions) error {
	if jobScheduler == nil {
		return nil
	}
	opts := sanitizeMaintenanceOptions(options)
	if !opts.Enabled || len(opts.Dirs) == 0 {
		return nil
	}
	return jobScheduler.Register(scheduler.JobSpec{
		Name:       MaintenanceJobName,
		Interval:   opts.PruneInterval,
		Timeout:    opts.PruneTimeout,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			cutoff := opts.Now().AddDate(0, 0, -opts.RetentionDays)
			var errs []error
			for _, dir := range opts.Dirs {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				removed, err := PruneDayDirs(dir, cutoff)
				if err != nil {
					errs = append(errs, err)
				}
				if removed > 0 {
					log.Printf("[Maintenance] %s removed=%d dir=%s cutoff=%s", MaintenanceJobName, removed, dir, cutoff.Format(dayDirLayout))
				}
			}
			return errors.Join(errs...)
		},
	})
}

// PruneDayDirs removes YYYY-MM-DD subdirectories of base whose whole day ends
// before cutoff. Other entries are left alone; a missing base is not an error.
func PruneDayDirs(base string, cutoff time.Time) (int, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		day, err := time.ParseInLocation(dayDirLayout, entry.Name(), cutoff.Location())
		if err != nil {
			continue
		}
		if !day.AddDate(0, 0, 1).Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(base, entry.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func sanitizeMaintenanceOptions(options MaintenanceOptions) MaintenanceOptions {
	if !options.Enabled && options.PruneInterval == 0 && options.PruneTimeout == 0 && options.RetentionDays == 0 {
		options.Enabled = true
	}
	if options.PruneInterval <= 0 {
		options.PruneInterval = 6 * time.Hour
	}
	if options.PruneTimeout <= 0 {
		options.PruneTimeout = 20 * time.Second
	}
	if options.RetentionDays <= 0 {
		options.RetentionDays = defaultJournalRetentionDays
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	dirs := make([]string, 0, len(options.Dirs))
	seen := map[string]struct{}{}
	for _, dir := range options.Dirs {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		if _, ok := seen[dir]; ok {
			continue
		}
		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
	}
	options.Dirs = dirs
	return options
}
