package telegram

import (
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/shibarmycto/cfsmsv3-sub000/internal/config"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/logger"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/position"
)

type Notifier struct {
	bot     *tgbotapi.BotAPI
	chatID  int64
	enabled bool
	logger  *logger.Logger
}

func NewNotifier(cfg *config.Config, log *logger.Logger) *Notifier {
	log = log.With("component", "telegram")
	if !cfg.Telegram.Enabled {
		return &Notifier{enabled: false, logger: log}
	}

	if err := tgbotapi.SetLogger(log); err != nil {
		log.Warn("set telegram logger", "error", err)
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		log.Error("failed to create telegram bot", "error", err)
		return &Notifier{enabled: false, logger: log}
	}

	log.Info("telegram bot connected", "username", bot.Self.UserName)

	return &Notifier{
		bot:     bot,
		chatID:  cfg.Telegram.ChatID,
		enabled: true,
		logger:  log,
	}
}

func (n *Notifier) NotifyBuy(p position.Position) {
	n.send(buyMessage(p))
}

func (n *Notifier) NotifySell(p position.Position) {
	n.send(sellMessage(p))
}

func (n *Notifier) NotifyWarning(message string) {
	n.send("⚠️ " + escape(message))
}

func (n *Notifier) NotifyError(context string, err error) {
	n.send(fmt.Sprintf("❌ *Error* [%s]\n%s", escape(context), escape(err.Error())))
}

func (n *Notifier) NotifyStatus(message string) {
	n.send(escape(message))
}

func (n *Notifier) send(text string) {
	if !n.enabled {
		return
	}

	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Error("send telegram message", "error", err)
	}
}

func buyMessage(p position.Position) string {
	return fmt.Sprintf("🟢 *BUY* %s\nAmount: %.4f\nEntry value: %.8f",
		label(p), p.EntryAmount, p.EntryValue)
}

func sellMessage(p position.Position) string {
	var head string
	switch p.Status {
	case position.StatusProfit:
		head = "💰 *SOLD*"
	case position.StatusClosedLoss:
		head = "🔴 *SOLD*"
	default:
		head = "⚪ *CLOSED*"
	}

	msg := fmt.Sprintf("%s %s\nP&L: %+.2f%%", head, label(p), p.PnLPercent)
	if p.Proceeds > 0 {
		msg += fmt.Sprintf("\nProceeds: %.4f", p.Proceeds)
	}
	if !p.ClosedAt.IsZero() && !p.OpenedAt.IsZero() {
		msg += fmt.Sprintf("\nHeld: %s", p.ClosedAt.Sub(p.OpenedAt).Round(time.Second))
	}
	if p.ExitReason != "" {
		msg += "\nReason: " + escape(p.ExitReason)
	}
	return msg
}

func label(p position.Position) string {
	if p.Symbol != "" {
		return escape(p.Symbol) + " `" + p.AssetID + "`"
	}
	return "`" + p.AssetID + "`"
}

func escape(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdown, s)
}
