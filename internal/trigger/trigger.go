// Package trigger decides which warnings are due at a given wall-clock
// instant, based on the current day's schedule and the diff against the
// previous observation.
package trigger

import (
	"time"

	"svitlobot/internal/schedule"
	"svitlobot/internal/subscription"
)

// Kind classifies a notification event.
type Kind int

const (
	PreOutage Kind = iota + 1 // lead-time warning before an outage starts
	OutageStart
	PreRestore // lead-time warning before power returns
	RestoreComplete
	ScheduleChanged
)

func (k Kind) String() string {
	switch k {
	case PreOutage:
		return "pre_outage"
	case OutageStart:
		return "outage_start"
	case PreRestore:
		return "pre_restore"
	case RestoreComplete:
		return "restore_complete"
	case ScheduleChanged:
		return "schedule_changed"
	default:
		return "unknown"
	}
}

// Event is one notification owed to one user.
type Event struct {
	Kind     Kind
	UserID   int64
	Key      schedule.QueueKey
	Interval schedule.Interval // the window the event refers to; zero for ScheduleChanged
	Change   schedule.Change   // set for ScheduleChanged only
}

// Engine evaluates time-based and change-based triggers.
type Engine struct {
	lead schedule.Minute // warning lead time in minutes
}

func NewEngine(lead time.Duration) *Engine {
	m := schedule.Minute(lead / time.Minute)
	if m <= 0 {
		m = 10
	}
	return &Engine{lead: m}
}

// maxCatchUp bounds how far back a single evaluation may look after a
// stall, so a long pause never replays hours of stale warnings.
const maxCatchUp = 60

// Evaluate returns the events due in the window (lastTick, now]. With a
// zero lastTick only the exact current minute matches. today is the
// current date's schedule (nil when unpublished); changes is the diff for
// that date, nil or empty when nothing changed.
func (e *Engine) Evaluate(now, lastTick time.Time, today schedule.DaySchedule, changes map[schedule.QueueKey]schedule.Change, subs []subscription.Sub) []Event {
	window := e.window(now, lastTick)
	var out []Event
	for _, s := range subs {
		if !s.Notify || !s.HasQueue() {
			continue
		}
		if ch, ok := changes[s.Key]; ok {
			out = append(out, Event{Kind: ScheduleChanged, UserID: s.UserID, Key: s.Key, Change: ch})
		}
		for _, iv := range today[s.Key] {
			for _, cand := range []struct {
				kind Kind
				at   schedule.Minute
			}{
				{PreOutage, iv.Start - e.lead},
				{OutageStart, iv.Start},
				{PreRestore, iv.End - e.lead},
				{RestoreComplete, iv.End},
			} {
				// A lead instant before 00:00 wraps to late evening;
				// the date is not adjusted, matching the source table.
				cand.at = (cand.at + 1440) % 1440
				if matches(schedule.MinuteOf(now), cand.at, window) {
					out = append(out, Event{Kind: cand.kind, UserID: s.UserID, Key: s.Key, Interval: iv})
				}
			}
		}
	}
	return out
}

// window returns how many minutes back from now an instant may sit and
// still fire. 0 means exact-minute only.
func (e *Engine) window(now, lastTick time.Time) int {
	if lastTick.IsZero() || !lastTick.Before(now) {
		return 0
	}
	elapsed := int(now.Sub(lastTick) / time.Minute)
	if elapsed > maxCatchUp {
		return maxCatchUp
	}
	return elapsed
}

// matches reports whether instant falls in the half-open minute range
// (nowMin-window, nowMin], wrapping across midnight. window 0 means the
// exact current minute only.
func matches(nowMin, instant schedule.Minute, window int) bool {
	delta := (int(nowMin) - int(instant) + 1440) % 1440
	if window == 0 {
		return delta == 0
	}
	return delta < window
}
