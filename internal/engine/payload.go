package engine

import (
	"net/mail"
	"time"

	"github.com/keepstack/keepsync/internal/provider"
	"github.com/keepstack/keepsync/internal/store"
)

// Reminder minute offsets accepted by the provider.
const (
	MinReminderMinutes = 0
	MaxReminderMinutes = 40320 // 4 weeks
)

// eventPayload builds a provider-shaped event from a local entity. Each
// field is sanitized independently so one bad attendee or reminder cannot
// poison the whole payload.
func eventPayload(e *store.Entity) *provider.Event {
	ev := &provider.Event{
		Summary:     e.Title,
		Description: e.Body,
		Status:      provider.EventStatusConfirmed,
	}

	ev.Start, ev.End = eventTiming(e)

	if len(e.Recurrence) > 0 {
		ev.Recurrence = append([]string(nil), e.Recurrence...)
	}
	if attendees := sanitizeAttendees(e.Attendees); len(attendees) > 0 {
		ev.Attendees = attendees
	}
	if overrides := sanitizeReminders(e.Reminders); len(overrides) > 0 {
		ev.Reminders = &provider.Reminders{Overrides: overrides}
	}

	return ev
}

// minimalEventPayload is the fallback after a payload rejection: title and
// timing only.
func minimalEventPayload(e *store.Entity) *provider.Event {
	ev := &provider.Event{
		Summary: e.Title,
		Status:  provider.EventStatusConfirmed,
	}
	ev.Start, ev.End = eventTiming(e)
	return ev
}

func eventTiming(e *store.Entity) (*provider.EventTime, *provider.EventTime) {
	start := e.StartsAt
	if start == nil {
		start = e.DueAt
	}
	if start == nil {
		now := time.Now().UTC()
		start = &now
	}

	end := e.EndsAt
	if end == nil || !end.After(*start) {
		t := start.Add(time.Hour)
		end = &t
	}

	if e.AllDay {
		return &provider.EventTime{Date: start.UTC().Format("2006-01-02")},
			&provider.EventTime{Date: end.UTC().Format("2006-01-02")}
	}
	return &provider.EventTime{DateTime: start}, &provider.EventTime{DateTime: end}
}

// taskPayload builds a provider-shaped task from a local entity.
func taskPayload(e *store.Entity) *provider.Task {
	return &provider.Task{
		Title:  e.Title,
		Notes:  e.Body,
		Status: provider.TaskStatusNeedsAction,
		Due:    e.DueAt,
	}
}

// minimalTaskPayload is the fallback after a payload rejection.
func minimalTaskPayload(e *store.Entity) *provider.Task {
	return &provider.Task{
		Title: e.Title,
		Due:   e.DueAt,
	}
}

// sanitizeAttendees keeps only syntactically valid email addresses.
func sanitizeAttendees(emails []string) []provider.Attendee {
	var out []provider.Attendee
	for _, email := range emails {
		if email == "" {
			continue
		}
		if _, err := mail.ParseAddress(email); err != nil {
			continue
		}
		out = append(out, provider.Attendee{Email: email})
	}
	return out
}

// sanitizeReminders clamps reminder offsets into the provider's accepted
// range.
func sanitizeReminders(minutes []int) []provider.ReminderOverride {
	var out []provider.ReminderOverride
	for _, m := range minutes {
		if m < MinReminderMinutes {
			m = MinReminderMinutes
		}
		if m > MaxReminderMinutes {
			m = MaxReminderMinutes
		}
		out = append(out, provider.ReminderOverride{Method: "popup", Minutes: m})
	}
	return out
}

// applyEvent overwrites the local entity's fields from a remote event.
// Dirty bit and updated_at are the caller's responsibility.
func applyEvent(e *store.Entity, ev *provider.Event) {
	e.Title = ev.Summary
	e.Body = ev.Description
	e.Recurrence = append([]string(nil), ev.Recurrence...)

	e.Attendees = nil
	for _, a := range ev.Attendees {
		if a.Email != "" {
			e.Attendees = append(e.Attendees, a.Email)
		}
	}

	e.Reminders = nil
	if ev.Reminders != nil {
		for _, o := range ev.Reminders.Overrides {
			e.Reminders = append(e.Reminders, o.Minutes)
		}
	}

	e.AllDay = false
	e.StartsAt, e.EndsAt = nil, nil
	if ev.Start != nil {
		if ev.Start.DateTime != nil {
			e.StartsAt = ev.Start.DateTime
		} else if ev.Start.Date != "" {
			if t, err := time.Parse("2006-01-02", ev.Start.Date); err == nil {
				e.StartsAt = &t
				e.AllDay = true
			}
		}
	}
	if ev.End != nil {
		if ev.End.DateTime != nil {
			e.EndsAt = ev.End.DateTime
		} else if ev.End.Date != "" {
			if t, err := time.Parse("2006-01-02", ev.End.Date); err == nil {
				e.EndsAt = &t
			}
		}
	}
}

// applyTask overwrites the local entity's fields from a remote task.
func applyTask(e *store.Entity, t *provider.Task) {
	e.Title = t.Title
	e.Body = t.Notes
	e.DueAt = t.Due
	e.StartsAt, e.EndsAt = nil, nil
}
