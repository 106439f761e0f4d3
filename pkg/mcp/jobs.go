package mcp

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"image-harvester/pkg/models"
)

// JobStatus represents the current state of a crawl job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) active() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// Job represents a background crawl
type Job struct {
	ID           string    `json:"id"`
	Seeds        []string  `json:"seeds"`
	Depth        int       `json:"depth"`
	Status       JobStatus `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
	RunID        string    `json:"run_id,omitempty"`
	PagesFetched int64     `json:"pages_fetched"`
	PagesFailed  int64     `json:"pages_failed"`
	ImagesSaved  int64     `json:"images_saved"`
	ErrorMessage string    `json:"error_message,omitempty"`

	key    string
	ctx    context.Context
	cancel context.CancelFunc
}

// snapshot copies the exported fields so callers can read them without the lock
func (j *Job) snapshot() *Job {
	c := *j
	c.Seeds = append([]string(nil), j.Seeds...)
	return &c
}

// JobManager manages background crawl jobs. At most one job runs per seed set.
type JobManager struct {
	jobs  map[string]*Job
	mu    sync.RWMutex
	byKey map[string]string // seed set key -> jobID for active jobs
}

// NewJobManager creates a new job manager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:  make(map[string]*Job),
		byKey: make(map[string]string),
	}
}

// seedKey identifies a seed set regardless of order
func seedKey(seeds []string, depth int) string {
	sorted := append([]string(nil), seeds...)
	sort.Strings(sorted)
	return fmt.Sprintf("%s|%d", strings.Join(sorted, "\n"), depth)
}

// CreateJob registers a crawl of seeds. If the same seed set is already being
// crawled at that depth, the existing job is returned with created == false.
func (m *JobManager) CreateJob(seeds []string, depth int) (job *Job, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := seedKey(seeds, depth)
	if existingID, ok := m.byKey[key]; ok {
		if existing := m.jobs[existingID]; existing != nil && existing.Status.active() {
			return existing.snapshot(), false
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	job = &Job{
		ID:        uuid.NewString(),
		Seeds:     append([]string(nil), seeds...),
		Depth:     depth,
		Status:    JobStatusPending,
		StartedAt: time.Now(),
		key:       key,
		ctx:       ctx,
		cancel:    cancel,
	}
	m.jobs[job.ID] = job
	m.byKey[key] = job.ID
	return job.snapshot(), true
}

// GetJob returns a copy of the job, or nil if the ID is unknown
func (m *JobManager) GetJob(jobID string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if job, ok := m.jobs[jobID]; ok {
		return job.snapshot()
	}
	return nil
}

// MarkRunning moves a pending job to running
func (m *JobManager) MarkRunning(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[jobID]; ok && job.Status == JobStatusPending {
		job.Status = JobStatusRunning
	}
}

// Finish records the outcome of a job. A cancelled job stays cancelled.
func (m *JobManager) Finish(jobID string, manifest *models.CrawlManifest, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return
	}
	job.cancel()
	if manifest != nil {
		job.RunID = manifest.RunID
		job.PagesFetched = manifest.PagesFetched
		job.PagesFailed = manifest.PagesFailed
		job.ImagesSaved = manifest.ImagesSaved
	}
	if job.Status == JobStatusCancelled {
		return
	}
	job.CompletedAt = time.Now()
	delete(m.byKey, job.key)
	if err != nil {
		job.Status = JobStatusFailed
		job.ErrorMessage = err.Error()
		return
	}
	job.Status = JobStatusCompleted
}

// CancelJob cancels an active job
func (m *JobManager) CancelJob(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok || !job.Status.active() {
		return false
	}
	job.cancel()
	job.Status = JobStatusCancelled
	job.CompletedAt = time.Now()
	delete(m.byKey, job.key)
	return true
}

// CancelAll cancels every active job
func (m *JobManager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, job := range m.jobs {
		if job.Status.active() {
			job.cancel()
			job.Status = JobStatusCancelled
			job.CompletedAt = time.Now()
		}
	}
	m.byKey = make(map[string]string)
}

// ListJobs returns copies of all jobs, newest first
func (m *JobManager) ListJobs() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job.snapshot())
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].StartedAt.After(jobs[j].StartedAt)
	})
	return jobs
}

// ActiveCount returns how many jobs are pending or running
func (m *JobManager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, job := range m.jobs {
		if job.Status.active() {
			n++
		}
	}
	return n
}

// GetContext returns the context a job's crawl runs under
func (m *JobManager) GetContext(jobID string) context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if job, ok := m.jobs[jobID]; ok {
		return job.ctx
	}
	return context.Background()
}
