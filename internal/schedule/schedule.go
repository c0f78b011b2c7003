// Package schedule enqueues the periodic report and cleanup jobs.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/onexay/devpulse/internal/jobs"
)

// Enqueuer accepts jobs for asynchronous processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, t jobs.Type, payload any) (jobs.Envelope, error)
}

// Config holds cron expressions in the standard five-field form. An empty
// expression disables that schedule.
type Config struct {
	Daily    string
	Weekly   string
	Cleanup  string
	Location *time.Location
}

// Entry describes one registered schedule.
type Entry struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
}

// Scheduler drives cron entries that enqueue jobs.
type Scheduler struct {
	cron     *cron.Cron
	enqueuer Enqueuer
	logger   *zap.SugaredLogger
	names    map[cron.EntryID]string
	specs    map[cron.EntryID]string
}

// New registers the configured schedules. It fails on an invalid expression.
func New(cfg Config, enqueuer Enqueuer, logger *zap.SugaredLogger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		enqueuer: enqueuer,
		logger:   logger,
		names:    make(map[cron.EntryID]string),
		specs:    make(map[cron.EntryID]string),
	}

	schedules := []struct {
		name    string
		spec    string
		typ     jobs.Type
		payload any
	}{
		{"daily-report", cfg.Daily, jobs.TypeReport, jobs.ReportJob{Type: "daily"}},
		{"weekly-report", cfg.Weekly, jobs.TypeReport, jobs.ReportJob{Type: "weekly"}},
		{"cleanup", cfg.Cleanup, jobs.TypeCleanup, jobs.CleanupJob{}},
	}
	for _, sc := range schedules {
		if sc.spec == "" {
			continue
		}
		name, typ, payload := sc.name, sc.typ, sc.payload
		id, err := s.cron.AddFunc(sc.spec, func() { s.fire(name, typ, payload) })
		if err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", name, sc.spec, err)
		}
		s.names[id] = name
		s.specs[id] = sc.spec
	}
	return s, nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	for _, e := range s.Entries() {
		s.logger.Infow("schedule registered", "name", e.Name, "spec", e.Spec, "next", e.Next)
	}
}

// Stop halts the scheduler. The returned context is done once running
// entries have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Entries lists the registered schedules ordered by name.
func (s *Scheduler) Entries() []Entry {
	var out []Entry
	for _, e := range s.cron.Entries() {
		out = append(out, Entry{Name: s.names[e.ID], Spec: s.specs[e.ID], Next: e.Next})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Trigger fires the named schedule immediately.
func (s *Scheduler) Trigger(name string) error {
	for _, e := range s.cron.Entries() {
		if s.names[e.ID] == name {
			e.WrappedJob.Run()
			return nil
		}
	}
	return fmt.Errorf("unknown schedule %q", name)
}

func (s *Scheduler) fire(name string, typ jobs.Type, payload any) {
	env, err := s.enqueuer.Enqueue(context.Background(), typ, payload)
	if err != nil {
		s.logger.Errorw("scheduled enqueue failed", "schedule", name, "error", err)
		return
	}
	s.logger.Infow("scheduled job enqueued", "schedule", name, "job", env.ID, "type", typ)
}

// cronLogger adapts zap to the cron logging interface.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
