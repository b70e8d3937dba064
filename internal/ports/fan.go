package ports

import (
	"context"

	"github.com/Agrid-Dev/windmillfan/internal/entity"
)

// FanService is the control-plane port used by controllers (HTTP/MQTT/Modbus).
type FanService interface {
	State() entity.State
	TurnOn(ctx context.Context, opts entity.TurnOnOptions) error
	TurnOff(ctx context.Context) error
	SetPercentage(ctx context.Context, p int) error
	SetPresetMode(ctx context.Context, mode string) error
	Refresh(ctx context.Context) error
}

// StateWatcher is implemented by services that push state after refreshes.
type StateWatcher interface {
	Watch(fn func(entity.State)) (stop func())
}
