package dispatch

import (
	"context"

	"github.com/convodeck/convodeck/backend/pkg/models"
)

// APIDriver serves the generic API channel. The response travels back
// in-band as the body of the invoke call, so delivery itself is a no-op.
type APIDriver struct{}

func NewAPIDriver() *APIDriver { return &APIDriver{} }

func (APIDriver) Kind() models.Channel { return models.ChannelAPI }

func (APIDriver) Send(context.Context, *models.Integration, string, string) error {
	return nil
}
