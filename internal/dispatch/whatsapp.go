package dispatch

import (
	"context"
	"errors"

	"github.com/convodeck/convodeck/backend/pkg/models"
)

// ErrWhatsAppUnsupported is returned for every WhatsApp delivery attempt
// until a real driver lands.
var ErrWhatsAppUnsupported = errors.New("whatsapp delivery is not yet supported")

// WhatsAppDriver reserves the WhatsApp channel. Integrations can be
// created and stored but delivery reports ErrWhatsAppUnsupported.
type WhatsAppDriver struct{}

func NewWhatsAppDriver() *WhatsAppDriver { return &WhatsAppDriver{} }

func (WhatsAppDriver) Kind() models.Channel { return models.ChannelWhatsApp }

func (WhatsAppDriver) Send(context.Context, *models.Integration, string, string) error {
	return ErrWhatsAppUnsupported
}
