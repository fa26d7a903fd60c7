// Package bot is the Telegram command front end: it consumes transport
// updates, mutates the subscription registry, and answers schedule queries
// from the repository.
package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"svitlobot/internal/schedule"
	"svitlobot/internal/subscription"
	"svitlobot/internal/transport"
	logx "svitlobot/pkg/logx"
)

// Source fetches the raw schedule page for on-demand queries.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// Service dispatches incoming updates.
type Service struct {
	adapter  transport.Adapter
	registry *subscription.Registry
	repo     *schedule.Repository
	src      Source // optional; nil disables on-demand fetching
	loc      *time.Location
	log      logx.Logger
}

func New(adapter transport.Adapter, registry *subscription.Registry, repo *schedule.Repository, src Source, loc *time.Location, log logx.Logger) *Service {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{adapter: adapter, registry: registry, repo: repo, src: src, loc: loc, log: log}
}

// Run consumes updates until ctx is done or the channel closes.
func (s *Service) Run(ctx context.Context, updates <-chan transport.Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			s.dispatch(ctx, u)
		}
	}
}

func (s *Service) dispatch(ctx context.Context, u transport.Update) {
	switch u.Kind {
	case transport.UpdateMessage:
		if u.Message != nil {
			s.handleMessage(ctx, u.Message)
		}
	case transport.UpdateCallback:
		if u.Callback != nil {
			s.handleCallback(ctx, u.Callback)
		}
	}
}

func (s *Service) handleMessage(ctx context.Context, m *transport.Message) {
	cmd := command(m.Text)
	if cmd == "" {
		return
	}
	s.registry.Ensure(ctx, m.FromID)
	s.log.Debug("command",
		logx.String("cmd", cmd),
		logx.Int64("user", m.FromID))

	switch cmd {
	case "/start":
		s.reply(ctx, m.ChatID, startText, nil)
	case "/help":
		s.reply(ctx, m.ChatID, helpText, &transport.SendOptions{ParseMode: "Markdown", DisablePreview: true})
	case "/setqueue":
		s.reply(ctx, m.ChatID, setQueueText, &transport.SendOptions{ReplyMarkupAdapter: queueKeyboard()})
	case "/notify":
		s.handleNotify(ctx, m)
	case "/schedule":
		s.handleSchedule(ctx, m)
	}
}

func (s *Service) handleNotify(ctx context.Context, m *transport.Message) {
	sub, _ := s.registry.Get(m.FromID)
	if !sub.HasQueue() {
		s.reply(ctx, m.ChatID, "⚠️ Спочатку встановіть вашу чергу командою /setqueue", nil)
		return
	}
	sub = s.registry.ToggleNotify(ctx, m.FromID)
	text := "🔕 Сповіщення *вимкнено*"
	if sub.Notify {
		text = "🔔 Сповіщення *увімкнено*!\n\n" +
			"Ви отримуватимете повідомлення:\n" +
			"• За 10 хвилин до відключення\n" +
			"• Коли розпочнеться відключення\n" +
			"• За 10 хвилин до відновлення\n" +
			"• Коли відновиться електропостачання"
	}
	s.reply(ctx, m.ChatID, text, &transport.SendOptions{ParseMode: "Markdown"})
}

func (s *Service) handleSchedule(ctx context.Context, m *transport.Message) {
	today := schedule.DateOf(time.Now().In(s.loc))
	date, day, ok := s.storedSchedule(today)
	if !ok {
		date, day, ok = s.fetchSchedule(ctx, today)
	}
	if !ok {
		s.reply(ctx, m.ChatID, "ℹ️ Графік ще не опубліковано.", nil)
		return
	}

	sub, _ := s.registry.Get(m.FromID)
	s.reply(ctx, m.ChatID, RenderSchedule(date, day, sub), &transport.SendOptions{ParseMode: "Markdown"})
}

func (s *Service) storedSchedule(today schedule.Date) (schedule.Date, schedule.DaySchedule, bool) {
	if day, ok := s.repo.SnapshotForDate(today); ok {
		return today, day, true
	}
	if date, ok := s.repo.NearestDate(today); ok {
		day, _ := s.repo.SnapshotForDate(date)
		return date, day, true
	}
	return schedule.Date{}, nil, false
}

// fetchSchedule pulls the page directly when the repository has nothing
// yet, so /schedule answers before the first poll tick lands. The result
// is not stored: the poller stays the repository's only writer, so
// change detection never misses a diff to an on-demand query.
func (s *Service) fetchSchedule(ctx context.Context, today schedule.Date) (schedule.Date, schedule.DaySchedule, bool) {
	if s.src == nil {
		return schedule.Date{}, nil, false
	}
	body, err := s.src.Fetch(ctx)
	if err != nil {
		s.log.Warn("on-demand fetch failed", logx.Err(err))
		return schedule.Date{}, nil, false
	}
	snap, err := schedule.Parse(body)
	if err != nil {
		s.log.Warn("on-demand parse failed", logx.Err(err))
		return schedule.Date{}, nil, false
	}
	if day, ok := snap[today]; ok {
		return today, day, true
	}
	var best schedule.Date
	found := false
	for d := range snap {
		if d.Before(today) {
			continue
		}
		if !found || d.Before(best) {
			best = d
			found = true
		}
	}
	if !found {
		return schedule.Date{}, nil, false
	}
	return best, snap[best], true
}

func (s *Service) handleCallback(ctx context.Context, cb *transport.Callback) {
	key, ok := parseQueueData(cb.Data)
	if !ok {
		_ = s.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	if _, err := s.registry.SetQueue(ctx, cb.FromID, key); err != nil {
		_ = s.adapter.AnswerCallback(ctx, cb.ID, "Невідома черга")
		return
	}
	_ = s.adapter.AnswerCallback(ctx, cb.ID, "")
	text := fmt.Sprintf("✅ Чергу встановлено: %s\n\nТепер використайте /notify, щоб увімкнути сповіщення!", key)
	ref := transport.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
	if err := s.adapter.EditText(ctx, ref, text, nil); err != nil {
		s.reply(ctx, cb.ChatID, text, nil)
	}
}

func (s *Service) reply(ctx context.Context, chatID int64, text string, opt *transport.SendOptions) {
	if _, err := s.adapter.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, opt); err != nil {
		s.log.Warn("reply failed", logx.Int64("chat", chatID), logx.Err(err))
	}
}

// RenderSchedule formats the day's full table plus the user's own row.
func RenderSchedule(date schedule.Date, day schedule.DaySchedule, sub subscription.Sub) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📅 *Графік відключень на %s*\n\n", date)

	if sub.HasQueue() {
		if ivs := day[sub.Key]; len(ivs) > 0 {
			fmt.Fprintf(&b, "🔴 *Ваша черга %s*:\n%s\n\n", sub.Key, joinIntervals(ivs))
		} else {
			fmt.Fprintf(&b, "✅ Для вашої черги %s відключень не заплановано!\n\n", sub.Key)
		}
	}

	b.WriteString("📊 *Всі черги:*\n")
	for q := 1; q <= 6; q++ {
		fmt.Fprintf(&b, "\n*Черга %d*\n", q)
		for sq := 1; sq <= 2; sq++ {
			key := schedule.QueueKey{Queue: q, Sub: sq}
			times := "немає відключень"
			if ivs := day[key]; len(ivs) > 0 {
				times = joinIntervals(ivs)
			}
			fmt.Fprintf(&b, "  • %s: %s\n", key, times)
		}
	}
	return b.String()
}

func joinIntervals(ivs []schedule.Interval) string {
	parts := make([]string, len(ivs))
	for i, iv := range ivs {
		parts[i] = iv.String()
	}
	return strings.Join(parts, ", ")
}

// queueKeyboard builds the 6x2 queue picker. Buttons carry raw
// queue_{q}_{s} payloads so the callback handler stays a plain split.
func queueKeyboard() *tele.ReplyMarkup {
	keyboard := make([][]tele.InlineButton, 0, 6)
	for q := 1; q <= 6; q++ {
		keyboard = append(keyboard, []tele.InlineButton{
			{Text: fmt.Sprintf("Черга %d.1", q), Data: fmt.Sprintf("queue_%d_1", q)},
			{Text: fmt.Sprintf("Черга %d.2", q), Data: fmt.Sprintf("queue_%d_2", q)},
		})
	}
	return &tele.ReplyMarkup{InlineKeyboard: keyboard}
}

// parseQueueData decodes the picker's queue_{q}_{s} callback payload.
func parseQueueData(data string) (schedule.QueueKey, bool) {
	parts := strings.Split(strings.TrimSpace(data), "_")
	if len(parts) != 3 || parts[0] != "queue" {
		return schedule.QueueKey{}, false
	}
	q, err1 := strconv.Atoi(parts[1])
	sq, err2 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil {
		return schedule.QueueKey{}, false
	}
	key := schedule.QueueKey{Queue: q, Sub: sq}
	return key, key.Valid()
}

func command(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd := strings.Fields(text)[0]
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd)
}

const startText = "🔌 Вітаю! Я бот для відстеження відключень світла у Рівному.\n\n" +
	"📋 Доступні команди:\n" +
	"/setqueue - Встановити вашу чергу відключень\n" +
	"/schedule - Подивитись графік на сьогодні\n" +
	"/notify - Увімкнути/вимкнути сповіщення\n" +
	"/help - Допомога\n\n" +
	"💡 Бот надсилає сповіщення:\n" +
	"• За 10 хвилин до відключення\n" +
	"• На початку відключення\n" +
	"• За 10 хвилин до відновлення\n" +
	"• При відновленні світла\n\n" +
	"Почніть з команди /setqueue, щоб налаштувати ваші сповіщення!"

const helpText = "ℹ️ *Як користуватися ботом:*\n\n" +
	"1️⃣ Використайте /setqueue, щоб встановити вашу чергу\n" +
	"2️⃣ Увімкніть сповіщення командою /notify\n" +
	"3️⃣ Бот буде автоматично повідомляти вас про відключення\n\n" +
	"📊 /schedule - Переглянути графік\n" +
	"🔔 /notify - Керування сповіщеннями\n\n" +
	"Щоб дізнатись вашу чергу, відвідайте:\n" +
	"🌐 [Графік для міста Рівне](https://www.roe.vsei.ua/wp-content/uploads/2026/01/GPV_cherga_misto_Rivne.pdf)\n" +
	"🌐 [Графік для Рівненської області](https://www.roe.vsei.ua/wp-content/uploads/2026/01/GPV_cherga_Rivnenska_oblast-1.pdf)"

const setQueueText = "🔢 Оберіть вашу чергу відключень:\n\n" +
	"Ви можете дізнатись свою чергу на сайті Рівнеобленерго."
