package notify

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Alias1177/leadscore/models"
)

// sender is the subset of *tgbotapi.BotAPI used here.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier sends updates to a Telegram chat. The client ID is the
// numeric chat ID; other client IDs get ErrNoConnection.
type TelegramNotifier struct {
	bot sender
}

// NewTelegramNotifier authorizes the bot token with Telegram.
func NewTelegramNotifier(token string) (*TelegramNotifier, error) {
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN not set")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("initializing Telegram bot: %w", err)
	}
	return &TelegramNotifier{bot: bot}, nil
}

func (n *TelegramNotifier) Publish(_ context.Context, clientID string, result models.PredictionResult) error {
	chatID, err := strconv.ParseInt(clientID, 10, 64)
	if err != nil {
		return fmt.Errorf("client %q is not a Telegram chat: %w", clientID, ErrNoConnection)
	}
	msg := tgbotapi.NewMessage(chatID, formatUpdate(result))
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("sending to chat %d: %w", chatID, err)
	}
	return nil
}

func formatUpdate(r models.PredictionResult) string {
	return fmt.Sprintf("*Lead %s*\nScore: %.1f\nConfidence: %.0f%%\nUpdated: %s",
		tgbotapi.EscapeText(tgbotapi.ModeMarkdown, r.SubjectID), r.Score, r.Confidence*100, r.ComputedAt.UTC().Format("2006-01-02 15:04:05 MST"))
}
