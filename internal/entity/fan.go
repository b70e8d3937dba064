package entity

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Agrid-Dev/windmillfan/internal/coordinator"
	"github.com/Agrid-Dev/windmillfan/internal/windmill"
)

// Source is the cached device state the fan reads from.
// *coordinator.Coordinator implements it.
type Source interface {
	Snapshot() (windmill.Snapshot, bool)
	LastRefreshSuccessful() bool
	LastError() error
	Refresh(ctx context.Context) coordinator.Outcome
	Register(fn func(coordinator.Outcome)) (unregister func())
}

// Commander writes to the device. *windmill.Adapter implements it.
type Commander interface {
	SetPower(ctx context.Context, on bool) error
	SetSpeed(ctx context.Context, l windmill.Level) error
}

// State is the fan as presented to users.
type State struct {
	Available   bool
	IsOn        bool
	Percentage  int
	PresetMode  windmill.Level // empty while off
	PresetModes []windmill.Level
	SpeedCount  int
	// LastError describes the failed refresh while unavailable.
	LastError string
}

// TurnOnOptions are the optional arguments of TurnOn. PresetMode wins over
// Percentage when both are set.
type TurnOnOptions struct {
	Percentage *int
	PresetMode *string
}

// Fan exposes the device as a fan with speed presets and a percentage.
type Fan struct {
	src Source
	cmd Commander
	log zerolog.Logger
}

func New(src Source, cmd Commander, log zerolog.Logger) *Fan {
	return &Fan{src: src, cmd: cmd, log: log}
}

func (f *Fan) State() State {
	s := State{
		Available:   f.src.LastRefreshSuccessful(),
		PresetModes: windmill.Levels(),
		SpeedCount:  len(windmill.Levels()),
	}
	if err := f.src.LastError(); err != nil {
		s.LastError = err.Error()
	}
	snap, ok := f.src.Snapshot()
	if !ok || !snap.Power {
		return s
	}
	s.IsOn = true
	s.PresetMode = snap.Speed
	s.Percentage = LevelToPercentage(snap.Speed)
	return s
}

// Watch calls fn with the new state after every refresh the source reports.
func (f *Fan) Watch(fn func(State)) (stop func()) {
	return f.src.Register(func(coordinator.Outcome) {
		fn(f.State())
	})
}

func (f *Fan) isOn() bool {
	snap, ok := f.src.Snapshot()
	return ok && snap.Power
}

func (f *Fan) SetPresetMode(ctx context.Context, mode string) error {
	l, err := windmill.ParseLevel(mode)
	if err != nil {
		f.log.Error().Str("preset_mode", mode).Msg("invalid preset mode")
		return fmt.Errorf("%w: %q", ErrInvalidPresetMode, mode)
	}
	f.log.Debug().Str("preset_mode", mode).Msg("setting preset mode")

	if !f.isOn() {
		if err := f.cmd.SetPower(ctx, true); err != nil {
			return f.failed("set preset mode", err)
		}
	}
	if err := f.cmd.SetSpeed(ctx, l); err != nil {
		return f.failed("set preset mode", err)
	}
	f.refresh(ctx)
	return nil
}

// SetPercentage maps p onto a speed level. 0 turns the fan off.
func (f *Fan) SetPercentage(ctx context.Context, p int) error {
	if p < 0 || p > 100 {
		return fmt.Errorf("%w: %d", ErrInvalidPercentage, p)
	}
	f.log.Debug().Int("percentage", p).Msg("setting percentage")
	if p == 0 {
		return f.TurnOff(ctx)
	}

	if !f.isOn() {
		if err := f.cmd.SetPower(ctx, true); err != nil {
			return f.failed("set percentage", err)
		}
	}
	l := PercentageToLevel(p)
	f.log.Debug().Int("percentage", p).Str("level", l.String()).Msg("percentage converted")
	if err := f.cmd.SetSpeed(ctx, l); err != nil {
		return f.failed("set percentage", err)
	}
	f.refresh(ctx)
	return nil
}

// TurnOn powers the fan on. The speed comes from opts.PresetMode, then
// opts.Percentage, then the current speed, then windmill.DefaultLevel. An
// unknown preset mode falls back to the default level.
func (f *Fan) TurnOn(ctx context.Context, opts TurnOnOptions) error {
	if opts.Percentage != nil && (*opts.Percentage < 0 || *opts.Percentage > 100) {
		return fmt.Errorf("%w: %d", ErrInvalidPercentage, *opts.Percentage)
	}
	if err := f.cmd.SetPower(ctx, true); err != nil {
		return f.failed("turn on", err)
	}

	var target windmill.Level
	switch {
	case opts.PresetMode != nil:
		l, err := windmill.ParseLevel(*opts.PresetMode)
		if err != nil {
			f.log.Warn().Str("preset_mode", *opts.PresetMode).Msg("invalid preset mode, using default")
			l = windmill.DefaultLevel
		}
		target = l
	case opts.Percentage != nil:
		target = PercentageToLevel(*opts.Percentage)
	default:
		if snap, ok := f.src.Snapshot(); !ok || !snap.Speed.Valid() {
			target = windmill.DefaultLevel
		}
	}

	if target != "" {
		if err := f.cmd.SetSpeed(ctx, target); err != nil {
			return f.failed("turn on", err)
		}
	}
	f.refresh(ctx)
	return nil
}

func (f *Fan) TurnOff(ctx context.Context) error {
	if err := f.cmd.SetPower(ctx, false); err != nil {
		return f.failed("turn off", err)
	}
	f.refresh(ctx)
	return nil
}

// Refresh asks the source for fresh data and reports a failed refresh.
func (f *Fan) Refresh(ctx context.Context) error {
	return f.src.Refresh(ctx).Err
}

// refresh follows a command. A failed refresh marks the fan unavailable but
// does not fail the command that was already written.
func (f *Fan) refresh(ctx context.Context) {
	if out := f.src.Refresh(ctx); !out.OK() {
		f.log.Debug().Err(out.Err).Msg("refresh after command failed")
	}
}

func (f *Fan) failed(op string, err error) error {
	f.log.Error().Err(err).Str("op", op).Msg("command failed")
	return fmt.Errorf("%s: %w", op, err)
}
