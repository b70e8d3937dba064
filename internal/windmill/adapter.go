package windmill

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Agrid-Dev/windmillfan/internal/blynk"
)

const (
	PinPower blynk.Pin = "V0"
	PinSpeed blynk.Pin = "V2"
)

// PinReadWriter is the subset of *blynk.Client the adapter needs.
type PinReadWriter interface {
	Get(ctx context.Context, pin blynk.Pin) (blynk.Value, error)
	Set(ctx context.Context, pin blynk.Pin, value string) (string, error)
	Close() error
}

// Adapter maps fan operations onto device pins.
type Adapter struct {
	pins PinReadWriter
	log  zerolog.Logger
}

func NewAdapter(pins PinReadWriter, log zerolog.Logger) *Adapter {
	return &Adapter{pins: pins, log: log}
}

// Power reports whether the fan is on. A value numerically equal to 1
// (1, [1.0], [true]) or the text "1" counts as on; anything else reads as
// off.
func (a *Adapter) Power(ctx context.Context) (bool, error) {
	v, err := a.pins.Get(ctx, PinPower)
	if err != nil {
		return false, fmt.Errorf("get power: %w", err)
	}
	on := isOne(v)
	a.log.Debug().Str("raw", v.String()).Bool("int", v.IsInt()).Bool("power", on).Msg("power read")
	return on, nil
}

func isOne(v blynk.Value) bool {
	if f, ok := v.Number(); ok {
		return f == 1
	}
	return v.String() == "1"
}

// Speed reads the speed pin. Unknown codes read as DefaultLevel.
func (a *Adapter) Speed(ctx context.Context) (Level, error) {
	v, err := a.pins.Get(ctx, PinSpeed)
	if err != nil {
		return "", fmt.Errorf("get speed: %w", err)
	}
	l := LevelFromCode(v.String())
	a.log.Debug().Str("raw", v.String()).Str("level", l.String()).Msg("speed read")
	return l, nil
}

func (a *Adapter) SetPower(ctx context.Context, on bool) error {
	value := "0"
	if on {
		value = "1"
	}
	if _, err := a.pins.Set(ctx, PinPower, value); err != nil {
		return fmt.Errorf("set power %v: %w", on, err)
	}
	a.log.Debug().Bool("power", on).Msg("power written")
	return nil
}

// SetSpeed writes l. Unknown levels are written as DefaultLevel.
func (a *Adapter) SetSpeed(ctx context.Context, l Level) error {
	code := l.Code()
	if _, err := a.pins.Set(ctx, PinSpeed, code); err != nil {
		return fmt.Errorf("set speed %s: %w", l, err)
	}
	a.log.Debug().Str("level", l.String()).Str("code", code).Msg("speed written")
	return nil
}

// Validate reports whether the device answers a power read. It never
// writes to the device.
func (a *Adapter) Validate(ctx context.Context) bool {
	if _, err := a.Power(ctx); err != nil {
		a.log.Error().Err(err).Msg("token validation failed")
		return false
	}
	return true
}

func (a *Adapter) Close() error {
	return a.pins.Close()
}
