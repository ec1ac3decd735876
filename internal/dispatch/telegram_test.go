package dispatch

import (
	"context"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convodeck/convodeck/backend/pkg/models"
)

func telegramTextUpdate(chatID int64, text string) *tgbotapi.Update {
	return &tgbotapi.Update{
		Message: &tgbotapi.Message{
			Text: text,
			Chat: &tgbotapi.Chat{ID: chatID},
		},
	}
}

func TestTelegramSendRejectsBadInput(t *testing.T) {
	d := NewTelegramDriver()
	ctx := context.Background()

	err := d.Send(ctx, nil, "42", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no bot token")

	err = d.Send(ctx, &models.Integration{Token: ""}, "42", "hi")
	require.Error(t, err)

	// Chat id validation happens before any network call.
	err = d.Send(ctx, &models.Integration{Token: "bot-token"}, "not-a-number", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat id")
}

func TestTelegramSetWebhookRequiresURL(t *testing.T) {
	d := NewTelegramDriver()

	err := d.SetWebhook(&models.Integration{Token: "bot-token"})
	require.Error(t, err)
	var verr *models.ValidationError
	assert.ErrorAs(t, err, &verr)
}
