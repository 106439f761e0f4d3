package watch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"image-harvester/pkg/feed"
	"image-harvester/pkg/models"
	"image-harvester/pkg/utils"
)

// Task names
const (
	TaskCrawl = "crawl"
	TaskFeeds = "feeds"
)

// Task is one unit of periodic work. Run returns the number of images saved.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

// Harvester is the part of orchestrate.Harvester the built-in tasks drive
type Harvester interface {
	Crawl(ctx context.Context, seeds []string) (*models.CrawlManifest, error)
	RunFeeds(ctx context.Context, sources []feed.Source) ([]feed.Result, error)
}

// CrawlTask re-crawls the seeds returned by seeds on every run, so edits to a
// seed file are picked up without a restart
func CrawlTask(h Harvester, seeds func() ([]string, error)) Task {
	return Task{
		Name: TaskCrawl,
		Run: func(ctx context.Context) (int64, error) {
			list, err := seeds()
			if err != nil {
				return 0, err
			}
			manifest, err := h.Crawl(ctx, list)
			if manifest == nil {
				return 0, err
			}
			return manifest.ImagesSaved, err
		},
	}
}

// FeedsTask runs a feed pass over the sources returned by sources on every run
func FeedsTask(h Harvester, sources func() ([]feed.Source, error)) Task {
	return Task{
		Name: TaskFeeds,
		Run: func(ctx context.Context) (int64, error) {
			list, err := sources()
			if err != nil {
				return 0, err
			}
			results, err := h.RunFeeds(ctx, list)
			var saved int64
			for _, r := range results {
				saved += int64(r.Saved)
			}
			return saved, err
		},
	}
}

// Scheduler re-runs its tasks every interval. Last-run state is persisted so a
// restarted watcher resumes the schedule instead of running everything at once.
type Scheduler struct {
	tasks        []Task
	interval     time.Duration
	tickInterval time.Duration
	log          *logrus.Entry
	stateManager *StateManager
}

// NewScheduler creates a new watch scheduler keeping its state in stateDir
func NewScheduler(tasks []Task, interval time.Duration, stateDir string, log *logrus.Entry) *Scheduler {
	return &Scheduler{
		tasks:        tasks,
		interval:     interval,
		tickInterval: calculateTickInterval(interval),
		log:          log,
		stateManager: NewStateManager(stateDir),
	}
}

// Run blocks until ctx is cancelled or a task fails with a storage error.
// Other task failures are recorded and retried at the next interval.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.tasks) == 0 {
		return fmt.Errorf("%w: nothing to watch (no seeds and no feeds configured)", utils.ErrConfigValidation)
	}
	if err := s.stateManager.Load(); err != nil {
		s.log.Warnf("Failed to load watch state: %v (starting fresh)", err)
	}

	s.log.Infof("Starting watch mode for %d tasks with interval %s", len(s.tasks), FormatInterval(s.interval))
	s.logSchedule()

	if err := s.runDueTasks(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Watch scheduler shutting down...")
			return nil
		case <-ticker.C:
			if err := s.runDueTasks(ctx); err != nil {
				return err
			}
		}
	}
}

// runDueTasks runs every due task in order and saves state after each one
func (s *Scheduler) runDueTasks(ctx context.Context) error {
	ran := false
	for _, task := range s.tasks {
		if ctx.Err() != nil {
			return nil
		}
		if !s.stateManager.ShouldRun(task.Name, s.interval) {
			continue
		}
		ran = true

		taskLog := s.log.WithField("task", task.Name)
		taskLog.Info("Running watch task")
		startedAt := time.Now()
		saved, err := task.Run(ctx)

		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) && ctx.Err() != nil {
			// Interrupted runs are not recorded, so they repeat on the next start
			taskLog.Warn("Watch task interrupted")
			return nil
		}

		s.stateManager.RecordRun(task.Name, startedAt, saved, err)
		if saveErr := s.stateManager.Save(); saveErr != nil {
			s.log.Errorf("Failed to save watch state: %v", saveErr)
		}

		if err != nil {
			if utils.IsFatal(err) {
				return err
			}
			taskLog.Errorf("Watch task failed: %v", err)
			continue
		}
		taskLog.Infof("Watch task finished, %d images saved", saved)
	}
	if ran {
		s.logNextRun()
	}
	return nil
}

// calculateTickInterval returns how often to check for due tasks
func calculateTickInterval(interval time.Duration) time.Duration {
	checkInterval := interval / 10
	if checkInterval < time.Minute {
		checkInterval = time.Minute
	}
	if checkInterval > 10*time.Minute {
		checkInterval = 10 * time.Minute
	}
	return checkInterval
}

// logSchedule logs the current schedule
func (s *Scheduler) logSchedule() {
	s.log.Info("Watch schedule:")
	for _, task := range s.tasks {
		state, exists := s.stateManager.GetTaskState(task.Name)
		if !exists {
			s.log.Infof("  %s: never run, will run immediately", task.Name)
			continue
		}
		status := "success"
		if !state.LastRunSuccess {
			status = "failed"
		}
		s.log.Infof("  %s: last run %s (%s, %d images), next run %s",
			task.Name,
			state.LastRunTime.Format(time.RFC3339),
			status,
			state.ImagesSaved,
			s.stateManager.GetNextRunTime(task.Name, s.interval).Format(time.RFC3339))
	}
}

// logNextRun logs when the next run will occur
func (s *Scheduler) logNextRun() {
	status := s.GetStatus()
	if len(status) == 0 {
		return
	}
	next := status[0]
	until := max(time.Until(next.NextRunTime), 0)
	s.log.Infof("Next run: %s in %v (at %s)", next.Task, until.Round(time.Second), next.NextRunTime.Format("15:04:05"))
}

// TaskStatus contains the status of a watched task
type TaskStatus struct {
	Task           string
	LastRunTime    time.Time
	LastRunSuccess bool
	ImagesSaved    int64
	ErrorMessage   string
	NextRunTime    time.Time
	NeverRun       bool
}

// GetStatus returns the status of every task, soonest next run first
func (s *Scheduler) GetStatus() []TaskStatus {
	status := make([]TaskStatus, 0, len(s.tasks))
	for _, task := range s.tasks {
		state, exists := s.stateManager.GetTaskState(task.Name)
		status = append(status, TaskStatus{
			Task:           task.Name,
			LastRunTime:    state.LastRunTime,
			LastRunSuccess: state.LastRunSuccess,
			ImagesSaved:    state.ImagesSaved,
			ErrorMessage:   state.ErrorMessage,
			NextRunTime:    s.stateManager.GetNextRunTime(task.Name, s.interval),
			NeverRun:       !exists,
		})
	}
	sort.SliceStable(status, func(i, j int) bool {
		return status[i].NextRunTime.Before(status[j].NextRunTime)
	})
	return status
}

// FormatInterval formats a duration for display
func FormatInterval(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		mins := int(d.Minutes()) % 60
		if mins > 0 {
			return fmt.Sprintf("%dh%dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	if hours > 0 {
		return fmt.Sprintf("%dd%dh", days, hours)
	}
	return fmt.Sprintf("%dd", days)
}

// ParseInterval parses a duration string with support for a leading day count ("7d", "1d12h")
func ParseInterval(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("%w: interval must be positive: %s", utils.ErrConfigValidation, s)
		}
		return d, nil
	}

	var days int
	var remaining string
	n, _ := fmt.Sscanf(s, "%dd%s", &days, &remaining)
	if n >= 1 && days > 0 {
		d = time.Duration(days) * 24 * time.Hour
		if remaining != "" {
			extra, err := time.ParseDuration(remaining)
			if err != nil {
				return 0, fmt.Errorf("%w: invalid interval format: %s", utils.ErrConfigValidation, s)
			}
			d += extra
		}
		return d, nil
	}

	return 0, fmt.Errorf("%w: invalid interval format: %s (examples: 30m, 1h, 24h, 7d)", utils.ErrConfigValidation, s)
}
