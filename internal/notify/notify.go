// Package notify renders trigger events into user-facing messages and
// delivers them through the transport, rate-limited to stay inside the
// Telegram per-second send budget.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"svitlobot/internal/schedule"
	"svitlobot/internal/transport"
	"svitlobot/internal/trigger"
	logx "svitlobot/pkg/logx"
)

// Config configures delivery.
type Config struct {
	RatePerSec float64       // 0 means 25 messages per second
	Lead       time.Duration // warning lead quoted in message texts; 0 means 10 minutes
}

// Service delivers events to users.
type Service struct {
	adapter transport.Adapter
	limiter *rate.Limiter
	lead    schedule.Minute
	log     logx.Logger
}

func New(cfg Config, adapter transport.Adapter, log logx.Logger) *Service {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 25
	}
	lead := schedule.Minute(cfg.Lead / time.Minute)
	if lead <= 0 {
		lead = 10
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		adapter: adapter,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)),
		lead:    lead,
		log:     log,
	}
}

// Deliver sends one event to its user. The caller decides what to do on
// error; a single failed send must not sink the rest of the batch.
func (s *Service) Deliver(ctx context.Context, ev trigger.Event, date schedule.Date) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	text := Render(ev, date, s.lead)
	opt := &transport.SendOptions{ParseMode: "Markdown"}
	_, err := s.adapter.SendText(ctx, transport.ChatTarget{ChatID: ev.UserID}, text, opt)
	if err != nil {
		return fmt.Errorf("deliver %s to %d: %w", ev.Kind, ev.UserID, err)
	}
	s.log.Debug("notification sent",
		logx.String("kind", ev.Kind.String()),
		logx.Int64("user", ev.UserID),
		logx.String("queue", ev.Key.String()))
	return nil
}

const deviationNote = "⏱ Можливі відхилення від графіку до 1 години."

// Render produces the message body for an event. lead is the warning
// lead time quoted in the pre-outage and pre-restore texts; it must
// match the trigger engine's lead so the message agrees with the timing.
func Render(ev trigger.Event, date schedule.Date, lead schedule.Minute) string {
	if lead <= 0 {
		lead = 10
	}
	switch ev.Kind {
	case trigger.PreOutage:
		return fmt.Sprintf("⚠️ Увага! Через %d %s (о %s) буде відключено світло.\n\n%s",
			lead, minutesWord(int(lead)), ev.Interval.Start, deviationNote)
	case trigger.OutageStart:
		return fmt.Sprintf("🔴 Зараз відключено світло. Повернеться о %s.\n\n%s",
			ev.Interval.End, deviationNote)
	case trigger.PreRestore:
		return fmt.Sprintf("⏰ Через %d %s (о %s) світло буде відновлено!\n\n%s",
			lead, minutesWord(int(lead)), ev.Interval.End, deviationNote)
	case trigger.RestoreComplete:
		return "🟢 Світло відновлено!\n\n💡 Перевірте чи дійсно є електропостачання - можливі відхилення від графіку."
	case trigger.ScheduleChanged:
		return renderChange(ev, date)
	default:
		return ""
	}
}

func renderChange(ev trigger.Event, date schedule.Date) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔄 *ОНОВЛЕННЯ ГРАФІКУ на %s*\n\n", date)
	fmt.Fprintf(&b, "Ваша черга: *%s*\n\n", ev.Key)

	before := intervalsText(ev.Change.Before)
	after := intervalsText(ev.Change.After)
	switch ev.Change.Kind {
	case schedule.Added:
		fmt.Fprintf(&b, "✅ Додано відключення: %s\n\n", after)
		b.WriteString("⚠️ Для вашої черги додано нові відключення!")
	case schedule.Removed:
		fmt.Fprintf(&b, "❌ Було: %s\n\n", before)
		b.WriteString("🎉 Відключення скасовано для вашої черги!")
	default:
		fmt.Fprintf(&b, "❌ Було: %s\n", before)
		fmt.Fprintf(&b, "✅ Стало: %s\n\n", after)
		b.WriteString("⚠️ Графік відключень змінився!")
	}
	return b.String()
}

// minutesWord picks the Ukrainian plural form for n minutes.
func minutesWord(n int) string {
	if n%100 >= 11 && n%100 <= 14 {
		return "хвилин"
	}
	switch n % 10 {
	case 1:
		return "хвилину"
	case 2, 3, 4:
		return "хвилини"
	default:
		return "хвилин"
	}
}

func intervalsText(ivs []schedule.Interval) string {
	if len(ivs) == 0 {
		return "—"
	}
	parts := make([]string, len(ivs))
	for i, iv := range ivs {
		parts[i] = iv.String()
	}
	return strings.Join(parts, ", ")
}
