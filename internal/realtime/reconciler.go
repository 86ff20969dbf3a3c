// Package realtime applies live backend row-change notifications to the
// local store.
//
// This channel runs in parallel with sync cycles and is triggered
// independently: the backend pushes a JSON message per changed row over a
// WebSocket. The reconciler consults the tombstone manager so that a
// late-arriving insert for an id the user just deleted is dropped rather
// than resurrected. Updates are merge-replaced unconditionally because a
// notification reflects the backend's current truth.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/keepstack/keepsync/internal/store"
	"github.com/keepstack/keepsync/internal/tombstones"
)

// Reconnect backoff parameters.
const (
	BackoffBase    = 1 * time.Second
	BackoffCap     = 30 * time.Second
	MaxReconnects  = 10
	readBufferSize = 64
)

// Actions carried by change notifications.
const (
	ActionInsert = "insert"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// ErrTooManyReconnects is returned when the reconnect budget is spent.
var ErrTooManyReconnects = errors.New("realtime: reconnect attempts exhausted")

// Message is one row-change notification from the backend.
type Message struct {
	Action string       `json:"action"`
	Entity store.Entity `json:"entity"`
}

// Reconciler subscribes to backend change notifications and applies them.
type Reconciler struct {
	store  *store.Store
	tombs  *tombstones.Manager
	url    string
	logger *log.Logger

	mu       sync.Mutex
	attempts int
}

// New creates a realtime reconciler. url is the backend's WebSocket
// endpoint for the owner's row changes. A nil logger gets a stderr
// default.
func New(st *store.Store, tombs *tombstones.Manager, url string, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}
	return &Reconciler{
		store:  st,
		tombs:  tombs,
		url:    url,
		logger: logger,
	}
}

// Run subscribes and applies notifications until ctx is cancelled or the
// reconnect budget is exhausted. Each successful subscription resets the
// backoff.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		if err := r.subscribe(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Printf("subscription lost: %v", err)
		}

		delay, err := r.nextBackoff()
		if err != nil {
			return err
		}
		r.logger.Printf("reconnecting in %s", delay.Round(time.Millisecond))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// ResetBackoff clears the reconnect counter. Called on explicit reconnect
// triggers such as the network coming back online.
func (r *Reconciler) ResetBackoff() {
	r.mu.Lock()
	r.attempts = 0
	r.mu.Unlock()
}

// nextBackoff computes the next reconnect delay: base 1s, doubling,
// capped at 30s, with jitter, bounded at 10 attempts.
func (r *Reconciler) nextBackoff() (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.attempts >= MaxReconnects {
		return 0, ErrTooManyReconnects
	}

	delay := BackoffBase << r.attempts
	if delay > BackoffCap {
		delay = BackoffCap
	}
	// Up to 25% jitter keeps reconnect storms apart.
	jitter := time.Duration(rand.Int63n(int64(delay) / 4))
	r.attempts++
	return delay + jitter, nil
}

func (r *Reconciler) subscribe(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", r.url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	r.logger.Printf("subscribed to %s", r.url)
	r.ResetBackoff()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			r.logger.Printf("dropping malformed notification: %v", err)
			continue
		}

		if err := r.Apply(ctx, &msg); err != nil {
			r.logger.Printf("failed to apply %s for %s: %v", msg.Action, msg.Entity.ID, err)
		}
	}
}

// Apply reconciles one notification into the local store.
//
// Insert: dropped when the id is tombstoned or already present. Update:
// merge-replace by id, always applied. Delete: remove locally.
func (r *Reconciler) Apply(ctx context.Context, msg *Message) error {
	id := msg.Entity.ID
	if id == "" {
		return fmt.Errorf("notification without entity id")
	}

	switch msg.Action {
	case ActionInsert:
		if r.tombs.Contains(ctx, id) {
			r.logger.Printf("ignoring insert for tombstoned %s", id)
			return nil
		}
		if _, err := r.store.Get(ctx, id); err == nil {
			return nil // already present
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		e := msg.Entity
		e.Unsynced = false
		return r.store.Upsert(ctx, &e)

	case ActionUpdate:
		// The backend's row is the current truth; last writer wins.
		e := msg.Entity
		e.Unsynced = false
		return r.store.Upsert(ctx, &e)

	case ActionDelete:
		return r.store.Remove(ctx, id)

	default:
		return fmt.Errorf("unknown action %q", msg.Action)
	}
}
