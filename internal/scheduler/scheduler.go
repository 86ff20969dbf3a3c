// Package scheduler triggers sync cycles.
//
// Four triggers collapse into the engine's single-flight guard: a cron
// interval (default every 3 minutes), a debounced post-mutation trigger
// (1.5s), an explicit online trigger, and a foreground trigger. A control
// file watched with fsnotify acts as the manual kill switch: while the
// file exists no cycle starts.
//
// After a rate-limited cycle the scheduler holds off further runs until a
// backoff window has passed, so a throttling provider is not hammered on
// the next tick.
package scheduler

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/keepstack/keepsync/internal/engine"
)

// Defaults.
const (
	DefaultInterval       = 3 * time.Minute
	DefaultDebounce       = 1500 * time.Millisecond
	DefaultRateLimitPause = 5 * time.Minute
)

// Runner is the surface the scheduler drives. Satisfied by *engine.Engine.
type Runner interface {
	RunCycle(ctx context.Context, opts engine.Options) engine.SyncResult
	DrainQueue(ctx context.Context) (int, []error)
}

// Switch is the kill-switch surface. Satisfied by *backend.Guard.
type Switch interface {
	Disable()
	Enable()
	Disabled() bool
}

// Config holds scheduler settings.
type Config struct {
	// Interval between scheduled cycles. Zero selects the default (3m).
	Interval time.Duration

	// Debounce for post-mutation triggers. Zero selects 1.5s.
	Debounce time.Duration

	// RateLimitPause holds off cycles after provider throttling.
	RateLimitPause time.Duration

	// KillSwitchPath is the control file; while it exists sync is
	// disabled. Empty disables the watcher.
	KillSwitchPath string

	Logger *log.Logger
}

// Scheduler owns the trigger plumbing around one engine.
type Scheduler struct {
	runner Runner
	sw     Switch
	cfg    Config
	logger *log.Logger

	cron    *cron.Cron
	watcher *fsnotify.Watcher

	mu           sync.Mutex
	debounceTmr  *time.Timer
	backoffUntil time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler around a runner and its kill switch.
func New(runner Runner, sw Switch, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.RateLimitPause <= 0 {
		cfg.RateLimitPause = DefaultRateLimitPause
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	}
	return &Scheduler{
		runner: runner,
		sw:     sw,
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

// Start begins the interval trigger and the kill-switch watcher.
// Non-blocking; Stop shuts everything down.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.cron = cron.New()
	if _, err := s.cron.AddFunc("@every "+s.cfg.Interval.String(), func() {
		s.runCycle("interval")
	}); err != nil {
		return err
	}
	s.cron.Start()

	if s.cfg.KillSwitchPath != "" {
		if err := s.watchKillSwitch(); err != nil {
			s.cron.Stop()
			return err
		}
	}

	s.logger.Printf("scheduler started: interval=%s debounce=%s", s.cfg.Interval, s.cfg.Debounce)
	return nil
}

// Stop shuts the scheduler down and waits for background goroutines.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	s.mu.Lock()
	if s.debounceTmr != nil {
		s.debounceTmr.Stop()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Println("scheduler stopped")
}

// NotifyMutation schedules a debounced cycle after a local edit. Rapid
// edits collapse into one run.
func (s *Scheduler) NotifyMutation() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.debounceTmr != nil {
		s.debounceTmr.Stop()
	}
	s.debounceTmr = time.AfterFunc(s.cfg.Debounce, func() {
		s.runCycle("mutation")
	})
}

// NotifyOnline reacts to connectivity coming back: replay the offline
// queue, then run a cycle immediately.
func (s *Scheduler) NotifyOnline() {
	applied, errs := s.runner.DrainQueue(s.ctxOrBackground())
	if applied > 0 {
		s.logger.Printf("replayed %d queued mutations", applied)
	}
	for _, err := range errs {
		s.logger.Printf("queue replay: %v", err)
	}
	s.runCycle("online")
}

// NotifyForeground runs a cycle when the app returns to the foreground.
func (s *Scheduler) NotifyForeground() {
	s.runCycle("foreground")
}

func (s *Scheduler) runCycle(trigger string) {
	if s.sw.Disabled() {
		return
	}

	s.mu.Lock()
	held := time.Until(s.backoffUntil)
	s.mu.Unlock()
	if held > 0 {
		s.logger.Printf("trigger %s held for %s (rate-limit backoff)", trigger, held.Round(time.Second))
		return
	}

	res := s.runner.RunCycle(s.ctxOrBackground(), engine.Options{})
	if res.Skipped {
		return
	}
	if res.RateLimited() {
		s.mu.Lock()
		s.backoffUntil = time.Now().Add(s.cfg.RateLimitPause)
		s.mu.Unlock()
		s.logger.Printf("provider throttling: pausing cycles for %s", s.cfg.RateLimitPause)
	}
}

// watchKillSwitch mirrors the control file's existence into the switch.
func (s *Scheduler) watchKillSwitch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = w

	dir := filepath.Dir(s.cfg.KillSwitchPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return err
	}

	s.applyKillSwitch()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.cfg.KillSwitchPath) {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) == 0 {
					continue
				}
				s.applyKillSwitch()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Printf("kill-switch watcher error: %v", err)
			}
		}
	}()
	return nil
}

func (s *Scheduler) applyKillSwitch() {
	_, err := os.Stat(s.cfg.KillSwitchPath)
	switch {
	case err == nil:
		if !s.sw.Disabled() {
			s.logger.Printf("kill switch engaged (%s present)", s.cfg.KillSwitchPath)
		}
		s.sw.Disable()
	case os.IsNotExist(err):
		if s.sw.Disabled() {
			s.logger.Println("kill switch released")
		}
		s.sw.Enable()
	default:
		s.logger.Printf("kill-switch check failed: %v", err)
	}
}

func (s *Scheduler) ctxOrBackground() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}
