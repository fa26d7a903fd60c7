package trigger

import (
	"testing"
	"time"

	"svitlobot/internal/schedule"
	"svitlobot/internal/subscription"
)

var testKey = schedule.QueueKey{Queue: 3, Sub: 1}

func testSubs() []subscription.Sub {
	return []subscription.Sub{{UserID: 42, Key: testKey, Notify: true}}
}

func testDay() schedule.DaySchedule {
	return schedule.DaySchedule{
		testKey: {{Start: 7 * 60, End: 11 * 60}},
	}
}

func at(hh, mm int) time.Time {
	return time.Date(2025, 3, 15, hh, mm, 0, 0, time.UTC)
}

func kinds(events []Event) []Kind {
	out := make([]Kind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestEvaluateExactMinutes(t *testing.T) {
	t.Parallel()

	eng := NewEngine(10 * time.Minute)
	tests := []struct {
		name string
		now  time.Time
		want []Kind
	}{
		{"pre outage at lead", at(6, 50), []Kind{PreOutage}},
		{"outage start", at(7, 0), []Kind{OutageStart}},
		{"pre restore at lead", at(10, 50), []Kind{PreRestore}},
		{"restore complete", at(11, 0), []Kind{RestoreComplete}},
		{"mid outage quiet", at(8, 0), nil},
		{"minute before lead quiet", at(6, 49), nil},
		{"minute after start quiet", at(7, 1), nil},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := eng.Evaluate(tc.now, time.Time{}, testDay(), nil, testSubs())
			if len(got) != len(tc.want) {
				t.Fatalf("events = %v, want kinds %v", got, tc.want)
			}
			for i, k := range tc.want {
				if got[i].Kind != k {
					t.Errorf("event %d kind = %v, want %v", i, got[i].Kind, k)
				}
				if got[i].UserID != 42 || got[i].Key != testKey {
					t.Errorf("event %d routed to %d/%s", i, got[i].UserID, got[i].Key)
				}
			}
		})
	}
}

func TestEvaluateCatchUpWindow(t *testing.T) {
	t.Parallel()

	eng := NewEngine(10 * time.Minute)

	// Tick slipped past the 06:50 warning; the next tick at 06:51 with
	// lastTick 06:41 must still deliver it.
	got := eng.Evaluate(at(6, 51), at(6, 41), testDay(), nil, testSubs())
	if len(got) != 1 || got[0].Kind != PreOutage {
		t.Fatalf("catch-up events = %v, want one PreOutage", kinds(got))
	}

	// The instant at exactly lastTick's minute already fired last tick.
	got = eng.Evaluate(at(7, 0), at(6, 50), testDay(), nil, testSubs())
	if len(got) != 1 || got[0].Kind != OutageStart {
		t.Fatalf("boundary events = %v, want one OutageStart", kinds(got))
	}
}

func TestEvaluateMidnightWrap(t *testing.T) {
	t.Parallel()

	eng := NewEngine(10 * time.Minute)
	day := schedule.DaySchedule{
		testKey: {{Start: 0, End: 2 * 60}},
	}
	// lastTick 23:55 yesterday, now 00:05: midnight start is inside the
	// window even though its minute-of-day is numerically larger.
	lastTick := time.Date(2025, 3, 14, 23, 55, 0, 0, time.UTC)
	got := eng.Evaluate(at(0, 5), lastTick, day, nil, testSubs())
	if len(got) != 1 || got[0].Kind != OutageStart {
		t.Fatalf("events = %v, want one OutageStart", kinds(got))
	}
}

func TestEvaluateLeadWrapsBeforeMidnight(t *testing.T) {
	t.Parallel()

	eng := NewEngine(10 * time.Minute)
	day := schedule.DaySchedule{
		testKey: {{Start: 5, End: 60}}, // starts 00:05; warning instant wraps to 23:55
	}

	got := eng.Evaluate(at(23, 55), time.Time{}, day, nil, testSubs())
	if len(got) != 1 || got[0].Kind != PreOutage {
		t.Fatalf("exact minute: events = %v, want one PreOutage", kinds(got))
	}

	// Windowed catch-up across midnight reaches the wrapped instant too.
	lastTick := time.Date(2025, 3, 14, 23, 50, 0, 0, time.UTC)
	got = eng.Evaluate(at(0, 0), lastTick, day, nil, testSubs())
	if len(got) != 1 || got[0].Kind != PreOutage {
		t.Fatalf("window (23:50, 00:00]: events = %v, want one PreOutage", kinds(got))
	}
}

func TestEvaluateCatchUpIsCapped(t *testing.T) {
	t.Parallel()

	eng := NewEngine(10 * time.Minute)
	// Three hours stalled: only the last hour replays, so the 07:00 start
	// stays silent at 10:00.
	got := eng.Evaluate(at(10, 0), at(7, 0).Add(-3*time.Hour), testDay(), nil, testSubs())
	if len(got) != 0 {
		t.Fatalf("events = %v, want stale warnings suppressed", kinds(got))
	}
}

func TestEvaluateSkipsMutedAndKeyless(t *testing.T) {
	t.Parallel()

	eng := NewEngine(10 * time.Minute)
	subs := []subscription.Sub{
		{UserID: 1, Key: testKey, Notify: false},
		{UserID: 2, Notify: true}, // never picked a queue
		{UserID: 3, Key: testKey, Notify: true},
	}
	got := eng.Evaluate(at(7, 0), time.Time{}, testDay(), nil, subs)
	if len(got) != 1 || got[0].UserID != 3 {
		t.Fatalf("events = %v, want only user 3", got)
	}
}

func TestEvaluateScheduleChanged(t *testing.T) {
	t.Parallel()

	eng := NewEngine(10 * time.Minute)
	otherKey := schedule.QueueKey{Queue: 1, Sub: 2}
	changes := map[schedule.QueueKey]schedule.Change{
		testKey: {
			Kind:   schedule.Modified,
			Before: []schedule.Interval{{Start: 7 * 60, End: 11 * 60}},
			After:  []schedule.Interval{{Start: 8 * 60, End: 12 * 60}},
		},
		otherKey: {Kind: schedule.Removed, Before: []schedule.Interval{{Start: 60, End: 120}}},
	}

	// 08:00 matches no time instant, so only the change event fires, and
	// only for the subscribed key.
	got := eng.Evaluate(at(8, 0), time.Time{}, testDay(), changes, testSubs())
	if len(got) != 1 || got[0].Kind != ScheduleChanged {
		t.Fatalf("events = %v, want one ScheduleChanged", kinds(got))
	}
	if got[0].Key != testKey || got[0].Change.Kind != schedule.Modified {
		t.Fatalf("change event = %+v, want the subscribed key's modification", got[0])
	}

	// Identical observations produce no diff, hence no event.
	got = eng.Evaluate(at(8, 0), time.Time{}, testDay(), nil, testSubs())
	if len(got) != 0 {
		t.Fatalf("events = %v, want none without a diff", kinds(got))
	}
}

func TestEvaluateMultipleIntervals(t *testing.T) {
	t.Parallel()

	eng := NewEngine(10 * time.Minute)
	day := schedule.DaySchedule{
		testKey: {
			{Start: 7 * 60, End: 11 * 60},
			{Start: 15 * 60, End: 19 * 60},
		},
	}
	got := eng.Evaluate(at(14, 50), time.Time{}, day, nil, testSubs())
	if len(got) != 1 || got[0].Kind != PreOutage || got[0].Interval.Start != 15*60 {
		t.Fatalf("events = %v, want PreOutage for the 15:00 window", got)
	}
}
