package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keepstack/keepsync/internal/backend"
	"github.com/keepstack/keepsync/internal/cursors"
	"github.com/keepstack/keepsync/internal/links"
	"github.com/keepstack/keepsync/internal/provider"
	"github.com/keepstack/keepsync/internal/queue"
	"github.com/keepstack/keepsync/internal/store"
	"github.com/keepstack/keepsync/internal/tombstones"
)

// historySize is how many cycle results are kept for status reporting.
const historySize = 20

// lastCycleMetaKey is the sync_meta key under which the most recent
// non-skipped cycle summary is persisted for the status command.
const lastCycleMetaKey = "last_cycle"

// Config holds the engine's construction parameters.
type Config struct {
	OwnerID string

	// Push target scopes.
	CalendarID string
	TaskListID string

	// Pull source scopes. Empty slices default to the push targets.
	CalendarIDs []string
	TaskListIDs []string

	// TiePolicy resolves exact timestamp ties. Zero value is TieNoChange.
	TiePolicy TiePolicy

	// Batch caps; zero selects the defaults (25/50/50).
	EventPushLimit int
	TaskPushLimit  int
	ItemPushLimit  int

	// AuthFailureThreshold for the backend breaker; zero selects 3.
	AuthFailureThreshold int

	Logger *log.Logger
}

// Options are per-cycle options for RunCycle.
type Options struct {
	// ForceFullPull ignores stored sync tokens and requests the long
	// historical window for every scope.
	ForceFullPull bool
}

// Engine owns the sync lifecycle: one RunCycle at a time, an auth guard
// shared across cycles, and the stores every phase works against.
//
// There are no package-level singletons; construct one Engine and pass it
// around.
type Engine struct {
	cfg     Config
	store   *store.Store
	links   *links.Store
	cursors *cursors.Store
	tombs   *tombstones.Manager
	queue   *queue.Queue
	guard   *backend.Guard
	session backend.SessionClient
	client  provider.Client
	logger  *log.Logger

	pushEvents *eventPusher
	pushTasks  *taskPusher
	pushItems  *taskPusher
	pullEvents *eventPuller
	pullTasks  *taskPuller

	running atomic.Bool

	mu      sync.Mutex
	history []SyncResult
}

// New creates a sync engine. The store must be opened and its schema
// initialized; session and client are the backend and provider
// collaborators.
func New(cfg Config, st *store.Store, tombs *tombstones.Manager, session backend.SessionClient, client provider.Client) (*Engine, error) {
	if cfg.OwnerID == "" {
		return nil, fmt.Errorf("engine: owner id is required")
	}
	if cfg.TiePolicy == "" {
		cfg.TiePolicy = TieNoChange
	}
	if !cfg.TiePolicy.Valid() {
		return nil, fmt.Errorf("engine: invalid tie policy %q", cfg.TiePolicy)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if cfg.EventPushLimit <= 0 {
		cfg.EventPushLimit = MaxEventsPerCycle
	}
	if cfg.TaskPushLimit <= 0 {
		cfg.TaskPushLimit = MaxTasksPerCycle
	}
	if cfg.ItemPushLimit <= 0 {
		cfg.ItemPushLimit = MaxItemsPerCycle
	}
	if len(cfg.CalendarIDs) == 0 && cfg.CalendarID != "" {
		cfg.CalendarIDs = []string{cfg.CalendarID}
	}
	if len(cfg.TaskListIDs) == 0 && cfg.TaskListID != "" {
		cfg.TaskListIDs = []string{cfg.TaskListID}
	}

	conn := st.RawDB()
	e := &Engine{
		cfg:     cfg,
		store:   st,
		links:   links.NewStore(conn),
		cursors: cursors.NewStore(conn),
		tombs:   tombs,
		queue:   queue.New(conn),
		guard:   backend.NewGuard(cfg.AuthFailureThreshold),
		session: session,
		client:  client,
		logger:  cfg.Logger,
	}

	now := time.Now
	e.pushEvents = &eventPusher{
		store: st, links: e.links, tombs: tombs, client: client,
		calendarID: cfg.CalendarID, limit: cfg.EventPushLimit,
		logger: cfg.Logger, now: now,
	}
	e.pushTasks = &taskPusher{
		name: "push_tasks", kind: store.KindCalendarEvent,
		store: st, links: e.links, tombs: tombs, client: client,
		listID: cfg.TaskListID, limit: cfg.TaskPushLimit,
		logger: cfg.Logger, now: now,
	}
	e.pushItems = &taskPusher{
		name: "push_items", kind: store.KindItem,
		store: st, links: e.links, tombs: tombs, client: client,
		listID: cfg.TaskListID, limit: cfg.ItemPushLimit,
		logger: cfg.Logger, now: now,
	}
	e.pullEvents = &eventPuller{
		store: st, links: e.links, cursors: e.cursors, tombs: tombs,
		client: client, calendars: cfg.CalendarIDs, tie: cfg.TiePolicy,
		logger: cfg.Logger, now: now,
	}
	e.pullTasks = &taskPuller{
		store: st, links: e.links, cursors: e.cursors, tombs: tombs,
		client: client, lists: cfg.TaskListIDs, tie: cfg.TiePolicy,
		logger: cfg.Logger, now: now,
	}

	return e, nil
}

// Guard exposes the auth guard (kill switch, breaker state).
func (e *Engine) Guard() *backend.Guard {
	return e.guard
}

// Links exposes the link store for maintenance commands.
func (e *Engine) Links() *links.Store {
	return e.links
}

// Queue exposes the offline queue for mutation capture and replay.
func (e *Engine) Queue() *queue.Queue {
	return e.queue
}

// RunCycle executes one full sync cycle:
//
//	auth -> push events -> push tasks -> push items -> reload links ->
//	pull events -> pull tasks
//
// Reentrancy: a running flag rejects concurrent invocations with a
// trivial skipped result rather than queueing. The kill switch
// short-circuits the same way. Per-item failures are aggregated;
// auth-abort, rate-limit and no-token conditions halt the remaining
// phases with partial work preserved.
func (e *Engine) RunCycle(ctx context.Context, opts Options) SyncResult {
	res := SyncResult{StartedAt: time.Now()}

	if e.guard.Disabled() {
		res.Success = true
		res.Skipped = true
		return res
	}
	if !e.running.CompareAndSwap(false, true) {
		res.Success = true
		res.Skipped = true
		return e.record(res)
	}
	defer e.running.Store(false)

	// Session refresh. A failure below the breaker threshold is recorded
	// but does not abort yet; the tripped breaker does.
	if err := e.guard.EnsureSession(ctx, e.session); err != nil {
		if errors.Is(err, backend.ErrAuthAborted) {
			e.logger.Printf("cycle aborted: %v", err)
			res.Aborted = true
			res.Errors = append(res.Errors, err.Error())
			res.Duration = time.Since(res.StartedAt)
			return e.record(res)
		}
		res.Errors = append(res.Errors, err.Error())
	}

	idx, err := e.loadLinks(ctx)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return e.finish(res, true)
	}

	pushes := []func(context.Context, string, *linkIndex) PhaseResult{
		e.pushEvents.Push,
		e.pushTasks.Push,
		e.pushItems.Push,
	}
	for _, push := range pushes {
		pr := push(ctx, e.cfg.OwnerID, idx)
		e.collect(&res, pr)
		if pr.Status.Fatal() {
			return e.finish(res, true)
		}
	}

	// Push phases may have created links the pull phases must see.
	idx, err = e.loadLinks(ctx)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return e.finish(res, true)
	}

	pulls := []func(context.Context, string, *linkIndex, bool) PhaseResult{
		e.pullEvents.Pull,
		e.pullTasks.Pull,
	}
	for _, pull := range pulls {
		pr := pull(ctx, e.cfg.OwnerID, idx, opts.ForceFullPull)
		e.collect(&res, pr)
		if pr.Status.Fatal() {
			return e.finish(res, true)
		}
	}

	// Clean completion: every phase ran. Per-item errors may remain in
	// res.Errors. The auth breaker resets only on a successful session
	// refresh, inside EnsureSession.
	return e.finish(res, false)
}

// DrainQueue replays the offline mutation queue into the local store.
// Called on reconnect, before the next cycle.
func (e *Engine) DrainQueue(ctx context.Context) (int, []error) {
	return e.queue.Drain(ctx, func(ctx context.Context, op *queue.Operation) error {
		return applyQueuedOperation(ctx, e.store, op)
	})
}

// LastCycle returns the most recently persisted cycle summary, or nil
// when no cycle has completed on this database yet. Unlike History this
// survives process restarts, so the status command can report it.
func (e *Engine) LastCycle(ctx context.Context) (*SyncResult, error) {
	raw, err := e.store.GetMeta(ctx, lastCycleMetaKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var res SyncResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("decode cycle summary: %w", err)
	}
	return &res, nil
}

// History returns the most recent in-memory cycle results, oldest first.
func (e *Engine) History() []SyncResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SyncResult, len(e.history))
	copy(out, e.history)
	return out
}

func (e *Engine) loadLinks(ctx context.Context) (*linkIndex, error) {
	records, err := e.links.ListByOwner(ctx, e.cfg.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load link table: %w", err)
	}
	return newLinkIndex(records), nil
}

func (e *Engine) collect(res *SyncResult, pr PhaseResult) {
	res.Phases = append(res.Phases, pr)
	res.TotalPushed += pr.Pushed
	res.TotalPulled += pr.Pulled
	res.Errors = append(res.Errors, pr.Errors...)
}

func (e *Engine) finish(res SyncResult, aborted bool) SyncResult {
	res.Aborted = aborted
	res.Success = !aborted
	res.Duration = time.Since(res.StartedAt)
	e.logger.Printf("cycle done: success=%v pushed=%d pulled=%d errors=%d",
		res.Success, res.TotalPushed, res.TotalPulled, len(res.Errors))
	return e.record(res)
}

func (e *Engine) record(res SyncResult) SyncResult {
	e.mu.Lock()
	e.history = append(e.history, res)
	if len(e.history) > historySize {
		e.history = e.history[len(e.history)-historySize:]
	}
	e.mu.Unlock()

	// Skipped results carry no new information. The cycle context may
	// already be canceled by the time we get here, so persist with a
	// fresh one.
	if !res.Skipped {
		data, err := json.Marshal(res)
		if err == nil {
			err = e.store.SetMeta(context.Background(), lastCycleMetaKey, string(data))
		}
		if err != nil {
			e.logger.Printf("failed to persist cycle summary: %v", err)
		}
	}
	return res
}
