// Package telegram is an optional downstream consumer of the event bus: it
// renders task events into a chat. It is send-only and strictly decoupled
// from the engine; if it falls behind, the bus drops events for it, and if
// sending fails, nothing upstream notices.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"recurd/internal/eventbus"
	"recurd/internal/task"
	logx "recurd/pkg/logx"
)

type Config struct {
	Token  string
	ChatID int64
	// Topics to render; empty means task.spawned + task.reminder.
	Topics []string
	// Buffer sizes the bus subscription. Default 64.
	Buffer int
}

type Sink struct {
	cfg    Config
	bus    eventbus.Bus
	log    logx.Logger
	bot    *tele.Bot
	topics map[string]bool
}

func NewSink(cfg Config, bus eventbus.Bus, log logx.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}

	topics := map[string]bool{}
	if len(cfg.Topics) == 0 {
		topics[task.TopicSpawned] = true
		topics[task.TopicReminder] = true
	} else {
		for _, t := range cfg.Topics {
			topics[strings.TrimSpace(t)] = true
		}
	}
	return &Sink{cfg: cfg, bus: bus, log: log, bot: bot, topics: topics}, nil
}

// Run consumes the bus until ctx is done.
func (s *Sink) Run(ctx context.Context) {
	buffer := s.cfg.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	ch, unsub := s.bus.Subscribe(buffer)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !s.topics[e.Topic] {
				continue
			}
			payload, ok := e.Payload.(task.EventPayload)
			if !ok {
				continue
			}
			text := render(e.Topic, payload)
			if text == "" {
				continue
			}
			chat := &tele.Chat{ID: s.cfg.ChatID}
			if _, err := s.bot.Send(chat, text, &tele.SendOptions{ParseMode: tele.ModeHTML}); err != nil {
				s.log.Warn("telegram send failed",
					logx.String("topic", e.Topic), logx.String("task", payload.TaskID), logx.Err(err))
			}
		}
	}
}

func render(topic string, p task.EventPayload) string {
	title := html.EscapeString(strings.TrimSpace(p.TaskTitle))
	switch topic {
	case task.TopicReminder:
		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("⏰ <b>%s</b> is due soon", title))
		if h, ok := p.Metadata["hours_until_due"].(float64); ok {
			sb.WriteString(fmt.Sprintf(" (≈%.1fh left)", h))
		}
		if d, ok := p.Metadata["due_date"].(string); ok {
			if ts, err := time.Parse(time.RFC3339, d); err == nil {
				sb.WriteString(fmt.Sprintf("\n📆 %s", ts.Format("2006-01-02 15:04")))
			}
		}
		return sb.String()
	case task.TopicSpawned:
		return fmt.Sprintf("♻️ Next occurrence of <b>%s</b> created", title)
	case task.TopicCompleted:
		return fmt.Sprintf("✅ <b>%s</b> completed", title)
	case task.TopicAssigned:
		return fmt.Sprintf("👤 <b>%s</b> assigned", title)
	default:
		return ""
	}
}
