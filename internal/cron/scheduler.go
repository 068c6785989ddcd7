// Package cron fires configured schedule rules as synthetic channel
// events, injected through the gateway's normal intake path.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/valet/internal/config"
	"github.com/haasonsaas/valet/pkg/models"
)

// ErrNotFound is returned when no schedule rule has the requested name.
var ErrNotFound = errors.New("schedule rule not found")

// Scheduler runs schedule rules from configuration. Each due rule is
// turned into a ChannelEvent and handed to the gateway, so a scheduled
// prompt takes the same path through the runtime as a typed one.
type Scheduler struct {
	injector     Injector
	sinks        SinkRegistry
	logger       *slog.Logger
	now          func() time.Time
	tickInterval time.Duration

	mu      sync.Mutex
	jobs    []*Job
	started bool
	wg      sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger configures the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "scheduler")
		}
	}
}

// WithSinkRegistry wires the router so responses on cron channels are
// consumed and recorded instead of failing adapter lookup.
func WithSinkRegistry(sinks SinkRegistry) Option {
	return func(s *Scheduler) {
		if sinks != nil {
			s.sinks = sinks
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the scheduler tick interval.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tickInterval = interval
		}
	}
}

// NewScheduler builds jobs from the configured rules. Rules that fail
// validation are skipped with a warning rather than failing startup.
func NewScheduler(rules []config.ScheduleRule, injector Injector, opts ...Option) (*Scheduler, error) {
	if injector == nil {
		return nil, errors.New("injector is required")
	}
	scheduler := &Scheduler{
		injector:     injector,
		logger:       slog.Default().With("component", "scheduler"),
		now:          time.Now,
		tickInterval: time.Second,
	}
	for _, opt := range opts {
		opt(scheduler)
	}

	now := scheduler.now()
	jobs := make([]*Job, 0, len(rules))
	for _, rule := range rules {
		job, err := buildJob(rule, now)
		if err != nil {
			scheduler.logger.Warn("schedule rule skipped", "rule", rule.Name, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	scheduler.jobs = jobs
	return scheduler, nil
}

// Start begins the tick loop. It runs until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	// Sinks must exist before the first job can fire.
	s.registerSinks()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue()
			}
		}
	}()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop waits for the tick loop to exit. Sinks stay registered so
// responses from still-running scheduled turns are not lost.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce fires every due job immediately and reports how many fired.
func (s *Scheduler) RunOnce() int {
	if s == nil {
		return 0
	}
	return s.runDue()
}

// Jobs returns a snapshot of the schedule for listing.
func (s *Scheduler) Jobs() []*Job {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		copyJob := *job
		out = append(out, &copyJob)
	}
	return out
}

// RunJob fires a rule by name regardless of its next-run time. The
// schedule is then re-derived, so a manual run of an interval rule
// resets its interval while a future one-shot stays armed.
func (s *Scheduler) RunJob(name string) error {
	if s == nil {
		return ErrNotFound
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrNotFound)
	}

	now := s.now()
	s.mu.Lock()
	var target *Job
	for _, job := range s.jobs {
		if job.Name == name {
			target = job
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	target.LastRun = now
	schedule := target.Schedule
	channel := target.Channel
	prompt := target.Prompt
	s.mu.Unlock()

	err := s.fire(name, channel, prompt, now)
	next, ok, nextErr := schedule.Next(now)

	s.mu.Lock()
	if err != nil {
		target.LastError = err.Error()
	} else {
		target.LastError = ""
	}
	switch {
	case nextErr != nil:
		target.LastError = nextErr.Error()
		target.NextRun = time.Time{}
		target.Enabled = false
	case ok:
		target.NextRun = next
	default:
		target.NextRun = time.Time{}
		target.Enabled = false
	}
	s.mu.Unlock()

	return err
}

func (s *Scheduler) runDue() int {
	now := s.now()
	count := 0
	s.mu.Lock()
	jobs := make([]*Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	for _, job := range jobs {
		s.mu.Lock()
		if !job.Enabled || job.NextRun.IsZero() || now.Before(job.NextRun) {
			s.mu.Unlock()
			continue
		}
		job.LastRun = now
		schedule := job.Schedule
		name := job.Name
		channel := job.Channel
		prompt := job.Prompt
		s.mu.Unlock()

		err := s.fire(name, channel, prompt, now)
		if err != nil {
			s.logger.Warn("schedule rule failed", "rule", name, "error", err)
		}

		s.mu.Lock()
		if err != nil {
			job.LastError = err.Error()
		} else {
			job.LastError = ""
		}
		if schedule.Kind == ScheduleAt {
			// One-shot rules disable after firing.
			job.NextRun = time.Time{}
			job.Enabled = false
		} else if next, ok, nextErr := schedule.Next(now); nextErr != nil {
			job.LastError = nextErr.Error()
			job.NextRun = time.Time{}
			job.Enabled = false
		} else if ok {
			job.NextRun = next
		} else {
			job.NextRun = time.Time{}
			job.Enabled = false
		}
		s.mu.Unlock()
		count++
	}
	return count
}

// fire injects one synthetic event. Injection is non-blocking; the
// gateway applies its usual queueing and busy handling afterward.
func (s *Scheduler) fire(name, channel, prompt string, now time.Time) error {
	evt := &models.ChannelEvent{
		ChannelID:   channel,
		UserMessage: prompt,
		ReceivedAt:  now,
	}
	if !s.injector.Inject(evt) {
		return errors.New("gateway is not accepting events")
	}
	s.logger.Info("schedule rule fired", "rule", name, "channel", channel)
	return nil
}

// registerSinks claims the cron channels so their responses land in
// the scheduler's bookkeeping. Rules that target a real adapter
// channel deliver there and are left alone.
func (s *Scheduler) registerSinks() {
	if s.sinks == nil {
		return
	}
	seen := make(map[string]bool)
	for _, job := range s.jobs {
		adapter, _ := models.SplitChannelID(job.Channel)
		if adapter != models.ChannelCron || seen[job.Channel] {
			continue
		}
		seen[job.Channel] = true
		channelID := job.Channel
		s.sinks.RegisterSink(channelID, func(ctx context.Context, resp *models.AgentResponse) error {
			s.recordResponse(channelID, resp)
			return nil
		})
	}
}

func (s *Scheduler) recordResponse(channelID string, resp *models.AgentResponse) {
	if resp.IsError {
		s.mu.Lock()
		for _, job := range s.jobs {
			if job.Channel == channelID {
				job.LastError = resp.Content
			}
		}
		s.mu.Unlock()
		s.logger.Warn("scheduled turn failed", "channel", channelID, "error", resp.Content)
		return
	}
	s.logger.Info("scheduled turn completed", "channel", channelID)
}

func buildJob(rule config.ScheduleRule, now time.Time) (*Job, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	schedule, err := NewSchedule(rule)
	if err != nil {
		return nil, err
	}
	channel := strings.TrimSpace(rule.Channel)
	if channel == "" {
		channel = models.ChannelID(models.ChannelCron, rule.Name)
	}
	next, ok, err := schedule.Next(now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("nothing left to fire")
	}
	return &Job{
		Name:     rule.Name,
		Prompt:   rule.Prompt,
		Channel:  channel,
		Enabled:  true,
		Schedule: schedule,
		NextRun:  next,
	}, nil
}
