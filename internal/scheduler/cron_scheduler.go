// Package scheduler enqueues jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/robfig/cron/v3"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/core"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/manager"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/metrics"
)

// Overlap policies.
const (
	OverlapAllow = "allow"
	OverlapSkip  = "skip"
)

const defaultRunTimeout = 30 * time.Second

// Schedule enqueues Job with Args every time Expression fires.
type Schedule struct {
	Name       string          `json:"name"`
	Expression string          `json:"expression"`
	Timezone   string          `json:"timezone,omitempty"`
	Job        string          `json:"job"`
	Args       json.RawMessage `json:"args,omitempty"`
	Priority   string          `json:"priority,omitempty"`
	// Delay is a Go duration or ISO 8601 duration added to every run.
	Delay string `json:"delay,omitempty"`
	// OverlapPolicy "skip" drops a run while the previous enqueue of the
	// same schedule is still in flight.
	OverlapPolicy string `json:"overlap_policy,omitempty"`
}

// Enqueuer publishes a raw job payload.
type Enqueuer interface {
	EnqueueRaw(ctx context.Context, jobName string, data []byte, opts ...manager.EnqueueOption) (string, error)
}

// Entry describes a registered schedule.
type Entry struct {
	Name    string    `json:"name"`
	Job     string    `json:"job"`
	Next    time.Time `json:"next"`
	LastRun time.Time `json:"last_run,omitempty"`
}

type registered struct {
	schedule Schedule
	id       cron.EntryID
	opts     []manager.EnqueueOption
	payload  []byte
}

// Scheduler runs registered schedules on a robfig cron.
type Scheduler struct {
	cron    *cron.Cron
	enq     Enqueuer
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]*registered

	stopOnce sync.Once
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New returns a stopped scheduler.
func New(enq Enqueuer, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	l := cronLogger{logger: logger}
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser), cron.WithLogger(l), cron.WithChain(cron.Recover(l))),
		enq:     enq,
		logger:  logger,
		timeout: defaultRunTimeout,
		entries: make(map[string]*registered),
	}
}

// Add validates and registers a schedule.
func (s *Scheduler) Add(sch Schedule) error {
	if sch.Name == "" || sch.Job == "" {
		return core.NewInvalidRequestError("schedule requires a name and a job", map[string]any{
			"name": sch.Name,
			"job":  sch.Job,
		})
	}
	schedule, err := parseSchedule(sch)
	if err != nil {
		return err
	}
	opts, err := enqueueOptions(sch)
	if err != nil {
		return err
	}
	payload := []byte(sch.Args)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[sch.Name]; ok {
		return core.NewConflictError("schedule "+sch.Name+" already registered", map[string]any{"name": sch.Name})
	}

	reg := &registered{schedule: sch, opts: opts, payload: payload}
	var job cron.Job = cron.FuncJob(func() { s.run(reg) })
	if sch.OverlapPolicy == OverlapSkip {
		job = cron.NewChain(cron.SkipIfStillRunning(cronLogger{logger: s.logger})).Then(job)
	}
	reg.id = s.cron.Schedule(schedule, job)
	s.entries[sch.Name] = reg
	s.logger.Info("schedule registered", "schedule", sch.Name, "job_type", sch.Job, "expression", sch.Expression)
	return nil
}

func parseSchedule(sch Schedule) (cron.Schedule, error) {
	expr := sch.Expression
	if sch.Timezone != "" {
		loc, err := time.LoadLocation(sch.Timezone)
		if err != nil {
			return nil, core.NewInvalidRequestError(
				fmt.Sprintf("Invalid timezone: %s", sch.Timezone),
				map[string]any{"timezone": sch.Timezone},
			)
		}
		expr = "CRON_TZ=" + loc.String() + " " + expr
	}
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, core.NewInvalidRequestError(
			fmt.Sprintf("Invalid cron expression: %s", sch.Expression),
			map[string]any{"expression": sch.Expression, "error": err.Error()},
		)
	}
	return schedule, nil
}

func enqueueOptions(sch Schedule) ([]manager.EnqueueOption, error) {
	var opts []manager.EnqueueOption
	if sch.Priority != "" {
		p, err := core.ParsePriority(sch.Priority)
		if err != nil {
			return nil, core.NewInvalidRequestError(err.Error(), map[string]any{"priority": sch.Priority})
		}
		opts = append(opts, manager.WithPriority(p))
	}
	if sch.Delay != "" {
		d, err := core.ParseDelay(sch.Delay)
		if err != nil {
			return nil, core.NewInvalidRequestError(err.Error(), map[string]any{"delay": sch.Delay})
		}
		opts = append(opts, manager.WithDelay(d))
	}
	return opts, nil
}

func (s *Scheduler) run(reg *registered) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	name := reg.schedule.Name
	id, err := s.enq.EnqueueRaw(ctx, reg.schedule.Job, reg.payload, reg.opts...)
	if err != nil {
		metrics.ScheduledRuns.WithLabelValues(name, "error").Inc()
		s.logger.Error("scheduled enqueue failed", "schedule", name, "job_type", reg.schedule.Job, "error", err)
		return
	}
	metrics.ScheduledRuns.WithLabelValues(name, "ok").Inc()
	s.logger.Debug("scheduled enqueue", "schedule", name, "job_type", reg.schedule.Job, "message_id", id)
}

// Trigger runs a schedule immediately, outside its cron timing.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	reg, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return core.NewNotFoundError("Schedule", name)
	}
	s.run(reg)
	return nil
}

// Entries lists registered schedules ordered by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, reg := range s.entries {
		e := s.cron.Entry(reg.id)
		out = append(out, Entry{Name: reg.schedule.Name, Job: reg.schedule.Job, Next: e.Next, LastRun: e.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start begins firing schedules in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron and waits for running enqueues. Safe to call twice.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
	})
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
