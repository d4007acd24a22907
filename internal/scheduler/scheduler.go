// Package scheduler turns declarative cron job definitions into task
// submissions. One instance runs inside the hub (firing into the dispatcher)
// and one inside each node agent (firing into the local executor).
//
// Fire times live in a min-heap; a single loop sleeps until the earliest
// entry is due, fires everything due, recomputes, and goes back to sleep.
// Reloads wake the loop so a new earliest entry takes effect immediately.
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/flotilla/internal/bus"
	"github.com/basket/flotilla/internal/protocol"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// idlePoll bounds the sleep when no entries are scheduled.
const idlePoll = time.Hour

// Submitter turns a due job into a task and answers whether a previously
// submitted task is still live. The hub wires this to the dispatcher; a node
// wires it to its local executor.
type Submitter interface {
	SubmitJob(ctx context.Context, job protocol.Job) (taskID string, err error)
	TaskLive(ctx context.Context, taskID string) (bool, error)
}

// EventSink records scheduler activity in the system event stream.
type EventSink interface {
	AppendSystemEvent(ctx context.Context, component, level, message string, metadata map[string]any) error
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Source    string // "hub" or the node id; labels bus events and logs
	Submitter Submitter
	Events    EventSink // optional
	Bus       *bus.Bus  // optional
	Logger    *slog.Logger
}

// entry is one scheduled job with its next fire time.
type entry struct {
	job   protocol.Job
	sched cronlib.Schedule
	next  time.Time
	index int // heap index
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].next.Before(h[j].next) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x any)         { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler drives all loaded jobs from one timer loop.
type Scheduler struct {
	source    string
	submitter Submitter
	events    EventSink
	bus       *bus.Bus
	logger    *slog.Logger

	mu       sync.Mutex
	heap     entryHeap
	entries  map[string]*entry       // canonical name -> scheduled entry
	loaded   map[string]protocol.Job // every valid definition, incl. disabled
	lastTask map[string]string       // canonical name -> last submitted task id

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// New creates a Scheduler with the given config.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		source:    cfg.Source,
		submitter: cfg.Submitter,
		events:    cfg.Events,
		bus:       cfg.Bus,
		logger:    logger,
		entries:   make(map[string]*entry),
		loaded:    make(map[string]protocol.Job),
		lastTask:  make(map[string]string),
		wake:      make(chan struct{}, 1),
		now:       time.Now,
	}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "source", s.source)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped", "source", s.source)
}

// Reload replaces the scheduled set with the given definitions. Jobs are
// keyed by name: an entry whose schedule is unchanged keeps its fire time, a
// changed or new entry gets a fresh one, and entries absent from the new set
// are unscheduled. Disabled jobs stay visible via Jobs() but never fire.
// Malformed schedules are logged as system events and skipped; they never
// stop the loop or affect other jobs.
func (s *Scheduler) Reload(jobs []protocol.Job) {
	now := s.now()

	type badJob struct {
		job protocol.Job
		err error
	}
	var invalid []badJob

	s.mu.Lock()
	old := s.entries
	s.entries = make(map[string]*entry, len(jobs))
	s.loaded = make(map[string]protocol.Job, len(jobs))
	var names []string

	for _, job := range jobs {
		key := canonicalName(job.Name)
		s.loaded[key] = job
		names = append(names, job.Name)
		if !job.Enabled {
			continue
		}

		sched, err := cronParser.Parse(job.Schedule)
		if err != nil {
			invalid = append(invalid, badJob{job: job, err: err})
			continue
		}

		if prev, ok := old[key]; ok && prev.job.Schedule == job.Schedule {
			// Unchanged schedule keeps its fire time so reloads don't
			// reset the cadence.
			prev.job = job
			s.entries[key] = prev
			continue
		}
		s.entries[key] = &entry{job: job, sched: sched, next: sched.Next(now)}
	}

	s.heap = s.heap[:0]
	for _, e := range s.entries {
		heap.Push(&s.heap, e)
	}
	s.mu.Unlock()

	for _, bad := range invalid {
		s.logger.Error("scheduler: invalid cron expression, job skipped",
			"job", bad.job.Name,
			"schedule", bad.job.Schedule,
			"error", bad.err,
		)
		s.systemEvent(context.Background(), "error", "job skipped: invalid cron expression", map[string]any{
			"job":      bad.job.Name,
			"schedule": bad.job.Schedule,
			"reason":   bad.err.Error(),
		})
	}

	s.logger.Info("scheduler: jobs loaded", "source", s.source, "count", len(names))
	if s.bus != nil {
		s.bus.Publish(bus.TopicJobsLoaded, bus.JobsLoadedEvent{Source: s.source, Names: names})
	}
	s.kick()
}

// Jobs returns a summary of every loaded definition, sorted by name.
// Disabled jobs carry a zero NextRun.
func (s *Scheduler) Jobs() []protocol.JobSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]protocol.JobSummary, 0, len(s.loaded))
	for key, job := range s.loaded {
		sum := protocol.JobSummary{
			Name:        job.Name,
			Schedule:    job.Schedule,
			Description: job.Description,
			Enabled:     job.Enabled,
		}
		if e, ok := s.entries[key]; ok {
			sum.NextRun = e.next
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// kick wakes the loop so it re-evaluates the earliest fire time.
func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(idlePoll)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.untilNext())

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			// Heap changed; recompute the sleep.
		case <-timer.C:
			s.runDue(ctx)
		}
	}
}

// untilNext returns how long to sleep before the earliest entry is due.
func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return idlePoll
	}
	d := time.Until(s.heap[0].next)
	if d < 0 {
		return 0
	}
	return d
}

// runDue pops every entry whose fire time has arrived, pushes each back with
// its next fire time, then fires them outside the lock.
func (s *Scheduler) runDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []protocol.Job
	for len(s.heap) > 0 && !s.heap[0].next.After(now) {
		e := s.heap[0]
		due = append(due, e.job)
		e.next = e.sched.Next(now)
		heap.Fix(&s.heap, 0)
	}
	s.mu.Unlock()

	for _, job := range due {
		s.fire(ctx, job)
	}
}

// fire submits one due job, unless the previous run of the same job is
// still live, in which case the fire is skipped, not queued.
func (s *Scheduler) fire(ctx context.Context, job protocol.Job) {
	key := canonicalName(job.Name)

	s.mu.Lock()
	prevTask := s.lastTask[key]
	s.mu.Unlock()

	if prevTask != "" {
		live, err := s.submitter.TaskLive(ctx, prevTask)
		if err != nil {
			s.logger.Error("scheduler: liveness check failed, firing anyway",
				"job", job.Name, "task_id", prevTask, "error", err)
		} else if live {
			s.logger.Info("scheduler: skipping fire, previous run still live",
				"job", job.Name, "task_id", prevTask)
			s.systemEvent(ctx, "warn", "job fire skipped: previous run still live", map[string]any{
				"job":     job.Name,
				"task_id": prevTask,
			})
			return
		}
	}

	taskID, err := s.submitter.SubmitJob(ctx, job)
	if err != nil {
		s.logger.Error("scheduler: job submission failed",
			"job", job.Name, "error", err)
		s.systemEvent(ctx, "error", "job submission failed", map[string]any{
			"job":    job.Name,
			"reason": err.Error(),
		})
		return
	}

	s.mu.Lock()
	s.lastTask[key] = taskID
	s.mu.Unlock()

	s.logger.Info("scheduler: job fired",
		"job", job.Name, "task_id", taskID, "source", s.source)
	s.systemEvent(ctx, "info", "job fired", map[string]any{
		"job":     job.Name,
		"task_id": taskID,
	})
}

func (s *Scheduler) systemEvent(ctx context.Context, level, message string, metadata map[string]any) {
	if s.events == nil {
		return
	}
	if err := s.events.AppendSystemEvent(ctx, "scheduler", level, message, metadata); err != nil {
		s.logger.Error("scheduler: append system event failed", "error", err)
	}
}

// NextRunTime parses the cron expression and returns the next run time after
// the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// canonicalName normalizes a job name for per-job tracking, matching the
// jobstore's collision key.
func canonicalName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
