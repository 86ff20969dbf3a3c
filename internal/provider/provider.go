// Package provider defines the remote calendar/task provider surface the
// sync engine talks to.
//
// The API shape mirrors a Google-style REST provider: calendar events are
// listed with incremental sync tokens, tasks with an updatedMin filter.
// Responses carry an opaque etag and an updated timestamp used for
// last-writer-wins conflict comparison.
//
// Errors are classified into a small taxonomy the engine branches on;
// everything else is treated as a per-item failure.
package provider

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for the conditions the sync engine must distinguish.
var (
	// ErrNoAccessToken means no provider token is available. Fatal to the
	// current sync cycle; never counted toward the backend auth breaker.
	ErrNoAccessToken = errors.New("provider: no access token")

	// ErrRateLimited means the provider is throttling us (429 or quota
	// 403). Fatal to the current cycle.
	ErrRateLimited = errors.New("provider: rate limited")

	// ErrTokenExpired means an incremental sync token was rejected (410
	// on a list call). The caller clears the cursor and retries the scope
	// once as a full pull.
	ErrTokenExpired = errors.New("provider: sync token expired")

	// ErrNotFound means the remote resource is gone (404/410 on a
	// resource). Handled by re-creation or link removal, never surfaced
	// to the user.
	ErrNotFound = errors.New("provider: resource not found")

	// ErrInvalidPayload means the provider rejected the request body
	// (400). Creates are retried once with a minimal payload.
	ErrInvalidPayload = errors.New("provider: invalid payload")
)

// Event statuses the engine cares about.
const (
	EventStatusConfirmed = "confirmed"
	EventStatusCancelled = "cancelled"
)

// Task statuses.
const (
	TaskStatusNeedsAction = "needsAction"
	TaskStatusCompleted   = "completed"
)

// EventTime is either a timed instant or an all-day date.
type EventTime struct {
	DateTime *time.Time `json:"dateTime,omitempty"`
	Date     string     `json:"date,omitempty"` // YYYY-MM-DD for all-day
}

// Attendee is a single event attendee.
type Attendee struct {
	Email string `json:"email"`
}

// ReminderOverride is one reminder on an event.
type ReminderOverride struct {
	Method  string `json:"method"` // popup, email
	Minutes int    `json:"minutes"`
}

// Reminders holds the reminder configuration of an event.
type Reminders struct {
	UseDefault bool               `json:"useDefault"`
	Overrides  []ReminderOverride `json:"overrides,omitempty"`
}

// Event is a remote calendar event.
type Event struct {
	ID          string `json:"id,omitempty"`
	Etag        string `json:"etag,omitempty"`
	Status      string `json:"status,omitempty"`
	Summary     string `json:"summary,omitempty"`
	Description string `json:"description,omitempty"`

	Start *EventTime `json:"start,omitempty"`
	End   *EventTime `json:"end,omitempty"`

	Recurrence       []string   `json:"recurrence,omitempty"`
	RecurringEventID string     `json:"recurringEventId,omitempty"`
	Attendees        []Attendee `json:"attendees,omitempty"`
	Reminders        *Reminders `json:"reminders,omitempty"`

	Updated time.Time `json:"updated,omitempty"`
}

// Cancelled reports whether the event is a cancellation/deletion marker.
func (e *Event) Cancelled() bool {
	return e.Status == EventStatusCancelled
}

// Task is a remote task.
type Task struct {
	ID      string     `json:"id,omitempty"`
	Etag    string     `json:"etag,omitempty"`
	Title   string     `json:"title,omitempty"`
	Notes   string     `json:"notes,omitempty"`
	Status  string     `json:"status,omitempty"`
	Due     *time.Time `json:"due,omitempty"`
	Deleted bool       `json:"deleted,omitempty"`
	Updated time.Time  `json:"updated,omitempty"`
}

// TaskList is a remote task list.
type TaskList struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// EventQuery selects which events a list call returns. Exactly one of
// SyncToken or TimeMin should be set; ShowDeleted asks for cancellation
// markers too.
type EventQuery struct {
	SyncToken   string
	TimeMin     time.Time
	ShowDeleted bool
}

// EventPage is one page of listed events plus the next incremental token.
type EventPage struct {
	Items         []Event `json:"items"`
	NextSyncToken string  `json:"nextSyncToken,omitempty"`
}

// TaskPage is one page of listed tasks.
type TaskPage struct {
	Items []Task `json:"items"`
}

// Client is the provider API surface consumed by the sync engine.
type Client interface {
	ListEvents(ctx context.Context, calendarID string, q EventQuery) (*EventPage, error)
	CreateEvent(ctx context.Context, calendarID string, ev *Event) (*Event, error)
	PatchEvent(ctx context.Context, calendarID, eventID string, ev *Event) (*Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error

	ListTaskLists(ctx context.Context) ([]TaskList, error)
	ListTasks(ctx context.Context, listID string, updatedMin time.Time, showDeleted bool) (*TaskPage, error)
	CreateTask(ctx context.Context, listID string, t *Task) (*Task, error)
	PatchTask(ctx context.Context, listID, taskID string, t *Task) (*Task, error)
	DeleteTask(ctx context.Context, listID, taskID string) error
}

// Fatal reports whether an error must abort the whole sync cycle rather
// than being contained as a per-item failure.
func Fatal(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrNoAccessToken)
}
