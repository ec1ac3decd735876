package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/convodeck/convodeck/backend/pkg/models"
)

// TelegramDriver delivers responses through the Telegram Bot API and
// manages webhook registration for integrations. Bot clients are cached
// per token because constructing one performs a getMe round trip.
type TelegramDriver struct {
	mu   sync.Mutex
	bots map[string]*tgbotapi.BotAPI
}

func NewTelegramDriver() *TelegramDriver {
	return &TelegramDriver{bots: make(map[string]*tgbotapi.BotAPI)}
}

func (d *TelegramDriver) Kind() models.Channel { return models.ChannelTelegram }

// Send delivers text to the Telegram chat named by externalUserID.
func (d *TelegramDriver) Send(_ context.Context, integration *models.Integration, externalUserID, text string) error {
	if integration == nil || integration.Token == "" {
		return fmt.Errorf("telegram integration has no bot token")
	}
	chatID, err := strconv.ParseInt(externalUserID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", externalUserID, err)
	}
	bot, err := d.bot(integration.Token)
	if err != nil {
		return err
	}
	if _, err := bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// SetWebhook points the integration's bot at its webhook URL. Called when
// a Telegram integration is created or updated.
func (d *TelegramDriver) SetWebhook(integration *models.Integration) error {
	if integration.WebhookURL == "" {
		return &models.ValidationError{Field: "webhook_url", Reason: "must not be empty for telegram integrations"}
	}
	bot, err := d.bot(integration.Token)
	if err != nil {
		return err
	}
	wh, err := tgbotapi.NewWebhook(integration.WebhookURL)
	if err != nil {
		return fmt.Errorf("telegram webhook config: %w", err)
	}
	if _, err := bot.Request(wh); err != nil {
		return fmt.Errorf("telegram set webhook: %w", err)
	}
	return nil
}

// DeleteWebhook unregisters the bot's webhook. Called when a Telegram
// integration is deleted.
func (d *TelegramDriver) DeleteWebhook(token string) error {
	bot, err := d.bot(token)
	if err != nil {
		return err
	}
	if _, err := bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("telegram delete webhook: %w", err)
	}
	return nil
}

func (d *TelegramDriver) bot(token string) (*tgbotapi.BotAPI, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if bot, ok := d.bots[token]; ok {
		return bot, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	bot.Debug = false
	d.bots[token] = bot
	return bot, nil
}

// InboundFromUpdate converts a Telegram update into a normalized inbound
// message. Updates without a text message (joins, stickers, edits) are
// skipped and report false.
func InboundFromUpdate(agentID string, update *tgbotapi.Update) (*models.Inbound, bool) {
	if update.Message == nil || update.Message.Text == "" {
		return nil, false
	}
	return &models.Inbound{
		AgentID:        agentID,
		ExternalUserID: strconv.FormatInt(update.Message.Chat.ID, 10),
		Channel:        models.ChannelTelegram,
		Text:           update.Message.Text,
	}, true
}
