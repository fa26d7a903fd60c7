package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"svitlobot/internal/schedule"
	"svitlobot/internal/subscription"
	"svitlobot/internal/transport"
	logx "svitlobot/pkg/logx"
)

type sentMsg struct {
	ChatID int64
	Text   string
	Opt    *transport.SendOptions
}

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []sentMsg
	edited  []string
	answers []string
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                           { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{ChatID: to.ChatID, Text: text, Opt: opt})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) EditText(_ context.Context, _ transport.MessageRef, text string, _ *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edited = append(f.edited, text)
	return nil
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeAdapter) lastSent(t *testing.T) sentMsg {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("nothing sent")
	}
	return f.sent[len(f.sent)-1]
}

type fakeSource struct {
	body []byte
	err  error
}

func (f *fakeSource) Fetch(context.Context) ([]byte, error) { return f.body, f.err }

func newTestService() (*Service, *fakeAdapter, *subscription.Registry, *schedule.Repository) {
	ad := &fakeAdapter{}
	reg := subscription.NewRegistry(nil, logx.Nop())
	repo := schedule.NewRepository()
	return New(ad, reg, repo, nil, time.UTC, logx.Nop()), ad, reg, repo
}

func msg(text string) *transport.Message {
	return &transport.Message{ID: 1, ChatID: 42, FromID: 42, Text: text}
}

func TestCommandParsing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"/start", "/start"},
		{"/Start", "/start"},
		{"/schedule@svitlobot", "/schedule"},
		{"  /notify extra words", "/notify"},
		{"hello", ""},
		{"", ""},
	}
	for _, tc := range tests {
		if got := command(tc.in); got != tc.want {
			t.Errorf("command(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestStartRegistersUser(t *testing.T) {
	t.Parallel()

	s, ad, reg, _ := newTestService()
	s.handleMessage(context.Background(), msg("/start"))

	if _, ok := reg.Get(42); !ok {
		t.Fatal("/start did not register the user")
	}
	if got := ad.lastSent(t); !strings.Contains(got.Text, "/setqueue") {
		t.Fatalf("welcome text missing command hints: %q", got.Text)
	}
}

func TestSetQueueSendsKeyboard(t *testing.T) {
	t.Parallel()

	s, ad, _, _ := newTestService()
	s.handleMessage(context.Background(), msg("/setqueue"))

	got := ad.lastSent(t)
	mk, ok := got.Opt.ReplyMarkupAdapter.(*tele.ReplyMarkup)
	if !ok {
		t.Fatalf("no inline keyboard attached: %+v", got.Opt)
	}
	if len(mk.InlineKeyboard) != 6 || len(mk.InlineKeyboard[0]) != 2 {
		t.Fatalf("keyboard shape = %dx%d, want 6x2", len(mk.InlineKeyboard), len(mk.InlineKeyboard[0]))
	}
	if data := mk.InlineKeyboard[2][1].Data; data != "queue_3_2" {
		t.Fatalf("button payload = %q, want queue_3_2", data)
	}
}

func TestQueueCallback(t *testing.T) {
	t.Parallel()

	s, ad, reg, _ := newTestService()
	cb := &transport.Callback{ID: "cb1", FromID: 42, ChatID: 42, MessageID: 7, Data: "queue_3_1"}
	s.handleCallback(context.Background(), cb)

	sub, ok := reg.Get(42)
	if !ok || sub.Key != (schedule.QueueKey{Queue: 3, Sub: 1}) {
		t.Fatalf("subscription after callback = %+v, %v", sub, ok)
	}
	ad.mu.Lock()
	defer ad.mu.Unlock()
	if len(ad.edited) != 1 || !strings.Contains(ad.edited[0], "3.1") {
		t.Fatalf("edited = %v, want confirmation with 3.1", ad.edited)
	}
	if len(ad.answers) != 1 {
		t.Fatalf("callback not answered: %v", ad.answers)
	}
}

func TestQueueCallbackRejectsBadPayload(t *testing.T) {
	t.Parallel()

	s, _, reg, _ := newTestService()
	for _, data := range []string{"queue_7_1", "queue_1_3", "queue_x_1", "other_1_1", ""} {
		s.handleCallback(context.Background(), &transport.Callback{ID: "cb", FromID: 42, Data: data})
	}
	if sub, ok := reg.Get(42); ok && sub.HasQueue() {
		t.Fatalf("bad payload set a queue: %+v", sub)
	}
}

func TestNotifyRequiresQueue(t *testing.T) {
	t.Parallel()

	s, ad, reg, _ := newTestService()
	ctx := context.Background()

	s.handleMessage(ctx, msg("/notify"))
	if got := ad.lastSent(t); !strings.Contains(got.Text, "/setqueue") {
		t.Fatalf("expected queue-first nudge, got %q", got.Text)
	}

	if _, err := reg.SetQueue(ctx, 42, schedule.QueueKey{Queue: 3, Sub: 1}); err != nil {
		t.Fatalf("SetQueue: %v", err)
	}
	s.handleMessage(ctx, msg("/notify"))
	if got := ad.lastSent(t); !strings.Contains(got.Text, "увімкнено") {
		t.Fatalf("expected enable confirmation, got %q", got.Text)
	}
	s.handleMessage(ctx, msg("/notify"))
	if got := ad.lastSent(t); !strings.Contains(got.Text, "вимкнено") {
		t.Fatalf("expected disable confirmation, got %q", got.Text)
	}
}

func TestScheduleFallbacks(t *testing.T) {
	t.Parallel()

	s, ad, _, repo := newTestService()
	ctx := context.Background()

	s.handleMessage(ctx, msg("/schedule"))
	if got := ad.lastSent(t); !strings.Contains(got.Text, "не опубліковано") {
		t.Fatalf("expected unpublished notice, got %q", got.Text)
	}

	// Publish a future date only; /schedule should fall back to it.
	future := schedule.DateOf(time.Now().UTC().Add(48 * time.Hour))
	repo.Update(future, schedule.DaySchedule{
		{Queue: 1, Sub: 1}: {{Start: 7 * 60, End: 11 * 60}},
	})
	s.handleMessage(ctx, msg("/schedule"))
	got := ad.lastSent(t)
	if !strings.Contains(got.Text, future.String()) || !strings.Contains(got.Text, "07:00-11:00") {
		t.Fatalf("fallback render = %q", got.Text)
	}
}

func schedulePage(date string) []byte {
	var b strings.Builder
	b.WriteString("<html><body><table><tr><th>Дата</th></tr><tr><td>" + date + "</td>")
	for i := 0; i < 12; i++ {
		b.WriteString("<td>07:00-11:00</td>")
	}
	b.WriteString("</tr></table></body></html>")
	return []byte(b.String())
}

func TestScheduleFetchesBeforeFirstTick(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	reg := subscription.NewRegistry(nil, logx.Nop())
	repo := schedule.NewRepository()
	today := schedule.DateOf(time.Now().UTC())
	src := &fakeSource{body: schedulePage(today.String())}
	s := New(ad, reg, repo, src, time.UTC, logx.Nop())
	ctx := context.Background()

	s.handleMessage(ctx, msg("/schedule"))
	got := ad.lastSent(t)
	if !strings.Contains(got.Text, today.String()) || !strings.Contains(got.Text, "07:00-11:00") {
		t.Fatalf("on-demand render = %q", got.Text)
	}
	if _, ok := repo.SnapshotForDate(today); ok {
		t.Fatal("on-demand fetch must not write the repository")
	}
}

func TestScheduleFetchFailureFallsBack(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	reg := subscription.NewRegistry(nil, logx.Nop())
	repo := schedule.NewRepository()
	src := &fakeSource{err: errors.New("upstream down")}
	s := New(ad, reg, repo, src, time.UTC, logx.Nop())

	s.handleMessage(context.Background(), msg("/schedule"))
	if got := ad.lastSent(t); !strings.Contains(got.Text, "не опубліковано") {
		t.Fatalf("expected unpublished notice, got %q", got.Text)
	}
}

func TestRenderScheduleUserSection(t *testing.T) {
	t.Parallel()

	date, _ := schedule.ParseDate("15.03.2025")
	day := schedule.DaySchedule{
		{Queue: 3, Sub: 1}: {{Start: 7 * 60, End: 11 * 60}, {Start: 15 * 60, End: 19 * 60}},
	}

	withQueue := subscription.Sub{UserID: 42, Key: schedule.QueueKey{Queue: 3, Sub: 1}}
	out := RenderSchedule(date, day, withQueue)
	if !strings.Contains(out, "Ваша черга 3.1") || !strings.Contains(out, "07:00-11:00, 15:00-19:00") {
		t.Fatalf("user section missing:\n%s", out)
	}

	noOutage := subscription.Sub{UserID: 42, Key: schedule.QueueKey{Queue: 2, Sub: 2}}
	out = RenderSchedule(date, day, noOutage)
	if !strings.Contains(out, "не заплановано") {
		t.Fatalf("no-outage section missing:\n%s", out)
	}

	if out := RenderSchedule(date, day, subscription.Sub{UserID: 42}); strings.Contains(out, "Ваша черга") {
		t.Fatalf("keyless user got a personal section:\n%s", out)
	}
}
