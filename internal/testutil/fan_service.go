package testutil

import (
	"context"

	"github.com/Agrid-Dev/windmillfan/internal/entity"
	"github.com/Agrid-Dev/windmillfan/internal/windmill"
)

// FakeFanService is a reusable fake implementing ports.FanService.
// Put ONLY what multiple test packages need here.
type FakeFanService struct {
	S entity.State

	TurnOnCalled bool
	TurnOnArg    entity.TurnOnOptions
	TurnOnErr    error

	TurnOffCalled bool
	TurnOffErr    error

	SetPercentageCalled bool
	SetPercentageArg    int
	SetPercentageErr    error

	SetPresetModeCalled bool
	SetPresetModeArg    string
	SetPresetModeErr    error

	RefreshCalled bool
	RefreshErr    error
}

func NewFakeFanService() *FakeFanService {
	return &FakeFanService{
		S: entity.State{
			Available:   true,
			IsOn:        true,
			Percentage:  60,
			PresetMode:  windmill.LevelMedium,
			PresetModes: windmill.Levels(),
			SpeedCount:  len(windmill.Levels()),
		},
	}
}

func (f *FakeFanService) State() entity.State { return f.S }

func (f *FakeFanService) TurnOn(_ context.Context, opts entity.TurnOnOptions) error {
	f.TurnOnCalled = true
	f.TurnOnArg = opts
	if f.TurnOnErr != nil {
		return f.TurnOnErr
	}
	f.S.IsOn = true
	if f.S.PresetMode == "" {
		f.S.PresetMode = windmill.DefaultLevel
		f.S.Percentage = entity.LevelToPercentage(windmill.DefaultLevel)
	}
	return nil
}

func (f *FakeFanService) TurnOff(context.Context) error {
	f.TurnOffCalled = true
	if f.TurnOffErr != nil {
		return f.TurnOffErr
	}
	f.S.IsOn = false
	f.S.Percentage = 0
	f.S.PresetMode = ""
	return nil
}

func (f *FakeFanService) SetPercentage(_ context.Context, p int) error {
	f.SetPercentageCalled = true
	f.SetPercentageArg = p
	if f.SetPercentageErr != nil {
		return f.SetPercentageErr
	}
	if p == 0 {
		f.S.IsOn = false
		f.S.Percentage = 0
		f.S.PresetMode = ""
		return nil
	}
	l := entity.PercentageToLevel(p)
	f.S.IsOn = true
	f.S.PresetMode = l
	f.S.Percentage = entity.LevelToPercentage(l)
	return nil
}

func (f *FakeFanService) SetPresetMode(_ context.Context, mode string) error {
	f.SetPresetModeCalled = true
	f.SetPresetModeArg = mode
	if f.SetPresetModeErr != nil {
		return f.SetPresetModeErr
	}
	l := windmill.Level(mode)
	f.S.IsOn = true
	f.S.PresetMode = l
	f.S.Percentage = entity.LevelToPercentage(l)
	return nil
}

func (f *FakeFanService) Refresh(context.Context) error {
	f.RefreshCalled = true
	return f.RefreshErr
}
