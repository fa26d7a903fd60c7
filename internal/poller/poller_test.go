package poller

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"svitlobot/internal/schedule"
	"svitlobot/internal/subscription"
	"svitlobot/internal/trigger"
	logx "svitlobot/pkg/logx"
)

type fakeSource struct {
	body []byte
	err  error
}

func (f *fakeSource) Fetch(context.Context) ([]byte, error) { return f.body, f.err }

type delivered struct {
	ev   trigger.Event
	date schedule.Date
}

type fakeDeliverer struct {
	got []delivered
	err error
}

func (f *fakeDeliverer) Deliver(_ context.Context, ev trigger.Event, date schedule.Date) error {
	f.got = append(f.got, delivered{ev: ev, date: date})
	return f.err
}

func page(date, cell string) []byte {
	row := "<tr><td>" + date + "</td>"
	for i := 0; i < 12; i++ {
		row += "<td>" + cell + "</td>"
	}
	row += "</tr>"
	return []byte("<html><body><table><tr><th>h</th></tr>" + row + "</table></body></html>")
}

func newTestPoller(t *testing.T, src Source, sink Deliverer) (*Service, *subscription.Registry, *schedule.Repository) {
	t.Helper()
	repo := schedule.NewRepository()
	reg := subscription.NewRegistry(nil, logx.Nop())
	eng := trigger.NewEngine(10 * time.Minute)
	s, err := New(Config{Timezone: "UTC"}, src, repo, reg, eng, sink, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, reg, repo
}

func TestTickDeliversDueWarnings(t *testing.T) {
	t.Parallel()

	src := &fakeSource{body: page("15.03.2025", "07:00-11:00")}
	sink := &fakeDeliverer{}
	s, reg, _ := newTestPoller(t, src, sink)

	ctx := context.Background()
	if _, err := reg.SetQueue(ctx, 42, schedule.QueueKey{Queue: 2, Sub: 1}); err != nil {
		t.Fatalf("SetQueue: %v", err)
	}
	reg.ToggleNotify(ctx, 42)

	// Quiet minute: repository fills, nothing fires.
	s.Tick(ctx, time.Date(2025, 3, 15, 8, 0, 0, 0, time.UTC))
	if len(sink.got) != 0 {
		t.Fatalf("quiet tick delivered %v", sink.got)
	}

	// The pre-restore minute.
	s.Tick(ctx, time.Date(2025, 3, 15, 10, 50, 0, 0, time.UTC))
	if len(sink.got) != 1 || sink.got[0].ev.Kind != trigger.PreRestore {
		t.Fatalf("delivered = %+v, want one PreRestore", sink.got)
	}
	if sink.got[0].date.String() != "15.03.2025" {
		t.Fatalf("event date = %s", sink.got[0].date)
	}
}

func TestTickFailuresLeaveStateAlone(t *testing.T) {
	t.Parallel()

	src := &fakeSource{body: page("15.03.2025", "07:00-11:00")}
	sink := &fakeDeliverer{}
	s, reg, repo := newTestPoller(t, src, sink)

	ctx := context.Background()
	if _, err := reg.SetQueue(ctx, 42, schedule.QueueKey{Queue: 2, Sub: 1}); err != nil {
		t.Fatalf("SetQueue: %v", err)
	}
	reg.ToggleNotify(ctx, 42)

	s.Tick(ctx, time.Date(2025, 3, 15, 6, 30, 0, 0, time.UTC))

	// Fetch breaks across the 06:50 warning minute.
	src.err = errors.New("boom")
	s.Tick(ctx, time.Date(2025, 3, 15, 6, 50, 0, 0, time.UTC))
	if len(sink.got) != 0 {
		t.Fatalf("failed tick delivered %v", sink.got)
	}
	date, _ := schedule.ParseDate("15.03.2025")
	if _, ok := repo.SnapshotForDate(date); !ok {
		t.Fatal("fetch failure wiped the repository")
	}

	// Next good tick catches the missed warning via the gap window.
	src.err = nil
	s.Tick(ctx, time.Date(2025, 3, 15, 6, 55, 0, 0, time.UTC))
	if len(sink.got) != 1 || sink.got[0].ev.Kind != trigger.PreOutage {
		t.Fatalf("catch-up delivered %+v, want one PreOutage", sink.got)
	}

	// A page with no table behaves the same as a failed fetch.
	src.body = []byte("<html><body>maintenance</body></html>")
	s.Tick(ctx, time.Date(2025, 3, 15, 7, 0, 0, 0, time.UTC))
	if _, ok := repo.SnapshotForDate(date); !ok {
		t.Fatal("parse failure wiped the repository")
	}
}

func TestTickEmitsScheduleChanges(t *testing.T) {
	t.Parallel()

	src := &fakeSource{body: page("15.03.2025", "07:00-11:00")}
	sink := &fakeDeliverer{}
	s, reg, _ := newTestPoller(t, src, sink)

	ctx := context.Background()
	if _, err := reg.SetQueue(ctx, 42, schedule.QueueKey{Queue: 2, Sub: 1}); err != nil {
		t.Fatalf("SetQueue: %v", err)
	}
	reg.ToggleNotify(ctx, 42)

	s.Tick(ctx, time.Date(2025, 3, 15, 8, 0, 0, 0, time.UTC))

	// Same markup again: no change events.
	s.Tick(ctx, time.Date(2025, 3, 15, 8, 10, 0, 0, time.UTC))
	if len(sink.got) != 0 {
		t.Fatalf("identical ticks delivered %v", sink.got)
	}

	src.body = page("15.03.2025", "09:00-13:00")
	s.Tick(ctx, time.Date(2025, 3, 15, 8, 20, 0, 0, time.UTC))
	if len(sink.got) != 1 || sink.got[0].ev.Kind != trigger.ScheduleChanged {
		t.Fatalf("delivered = %+v, want one ScheduleChanged", sink.got)
	}
	ch := sink.got[0].ev.Change
	if ch.Kind != schedule.Modified || len(ch.Before) != 1 || ch.Before[0].String() != "07:00-11:00" {
		t.Fatalf("change = %+v", ch)
	}
}

func TestTickDeliveryFailureDoesNotSinkBatch(t *testing.T) {
	t.Parallel()

	src := &fakeSource{body: page("15.03.2025", "07:00-11:00")}
	sink := &fakeDeliverer{err: fmt.Errorf("telegram down")}
	s, reg, _ := newTestPoller(t, src, sink)

	ctx := context.Background()
	for _, id := range []int64{1, 2} {
		if _, err := reg.SetQueue(ctx, id, schedule.QueueKey{Queue: 1, Sub: 1}); err != nil {
			t.Fatalf("SetQueue: %v", err)
		}
		reg.ToggleNotify(ctx, id)
	}

	s.Tick(ctx, time.Date(2025, 3, 15, 7, 0, 0, 0, time.UTC))
	if len(sink.got) != 2 {
		t.Fatalf("attempted %d deliveries, want 2 despite failures", len(sink.got))
	}
}

func TestNewRejectsBadTimezone(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Timezone: "Mars/Olympus"}, &fakeSource{}, schedule.NewRepository(),
		subscription.NewRegistry(nil, logx.Nop()), trigger.NewEngine(0), &fakeDeliverer{}, logx.Nop())
	if err == nil {
		t.Fatal("bad timezone accepted")
	}
}
