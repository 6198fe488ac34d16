package notify

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/arafuse/CryptoWatcher/internal/helper"
	"github.com/arafuse/CryptoWatcher/internal/models"
	marketsvc "github.com/arafuse/CryptoWatcher/internal/modules/market/service"
	tradersvc "github.com/arafuse/CryptoWatcher/internal/modules/trader/service"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type Notifier interface {
	Send(msg string)
	Sendf(format string, args ...any)
	SendAlert(pair string, data *models.TriggerData, detection string, prefix string)
}

// Telegram — пассивный нотифайер + обработка команд /pairs и /trades.
type Telegram struct {
	bot    *tgbot.BotAPI
	chatID int64
	market *marketsvc.Market
	trader *tradersvc.Trader
}

func NewTelegram(token string, chatID int64, market *marketsvc.Market, trader *tradersvc.Trader) (*Telegram, error) {
	b, err := tgbot.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &Telegram{
		bot:    b,
		chatID: chatID,
		market: market,
		trader: trader,
	}, nil
}

func (t *Telegram) Send(msg string) {
	if t == nil || t.bot == nil || t.chatID == 0 {
		return
	}
	_, _ = t.bot.Send(tgbot.NewMessage(t.chatID, msg))
}

func (t *Telegram) Sendf(format string, args ...any) { t.Send(fmt.Sprintf(format, args...)) }

// SendAlert отправляет сводку сработавшей детекции.
func (t *Telegram) SendAlert(pair string, data *models.TriggerData, detection string, prefix string) {
	t.Send(FormatAlert(pair, data, detection, prefix))
}

// FormatAlert собирает текст алерта из агрегата триггеров детекции.
func FormatAlert(pair string, data *models.TriggerData, detection string, prefix string) string {
	var b strings.Builder

	if prefix != "" {
		fmt.Fprintf(&b, "🔔 %s: detection '%s' on %s", prefix, detection, pair)
	} else {
		fmt.Fprintf(&b, "🔔 Detection '%s' on %s", detection, pair)
	}

	if data == nil {
		return b.String()
	}

	if data.CurrentTime != 0 {
		fmt.Fprintf(&b, " at %s", helper.UTCTimeString(data.CurrentTime))
	}
	if len(data.MAValues) > 0 {
		fmt.Fprintf(&b, "\nvalue %.8f", data.MAValues[0])
	}
	if data.ValueRange != 0 {
		fmt.Fprintf(&b, "\nvalue range %.6f", data.ValueRange)
	}
	if data.TimeFrame != 0 {
		fmt.Fprintf(&b, "\ntime frame %ds", data.TimeFrame)
	}
	for _, followed := range data.Followed {
		fmt.Fprintf(&b, "\nfollowed '%s' (%s) at %s, delta %.4f",
			followed.Name, followed.Snapshot, helper.UTCTimeString(followed.Time), followed.Delta)
	}

	return b.String()
}

// /pairs — текущий список отслеживаемых пар
func (t *Telegram) handlePairs() {
	pairs := t.market.Pairs
	if len(pairs) == 0 {
		t.Send("📭 Нет отслеживаемых пар")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📊 Отслеживается %d пар:\n", len(pairs))
	for _, pair := range pairs {
		fmt.Fprintf(&b, "- %s\n", pair)
	}
	t.Send(b.String())
}

// /trades — сводка открытых сделок
func (t *Telegram) handleTrades() {
	open, value := t.trader.ReportTrades()
	if open == 0 {
		t.Send("📭 Открытых сделок нет")
		return
	}
	t.Sendf("💰 Открыто сделок: %d, текущая стоимость %.8f", open, value)
}

// Start: long-polling для команд.
func (t *Telegram) Start(ctx context.Context) error {
	if t == nil || t.bot == nil {
		return nil
	}

	u := tgbot.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message"}

	updates := t.bot.GetUpdatesChan(u)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case upd := <-updates:
				if upd.Message != nil && upd.Message.Chat != nil &&
					upd.Message.Chat.ID == t.chatID && upd.Message.IsCommand() {

					switch upd.Message.Command() {
					case "pairs":
						go t.handlePairs()
					case "trades":
						go t.handleTrades()
					}
				}
			}
		}
	}()
	return nil
}

func (t *Telegram) Stop() {}

// Stdout — заглушка, всё пишет в лог.
type Stdout struct{}

func NewStdout() *Stdout                           { return &Stdout{} }
func (s *Stdout) Send(msg string)                  { log.Println(msg) }
func (s *Stdout) Sendf(format string, args ...any) { log.Printf(format, args...) }
func (s *Stdout) SendAlert(pair string, data *models.TriggerData, detection string, prefix string) {
	log.Println(FormatAlert(pair, data, detection, prefix))
}
