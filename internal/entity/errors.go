package entity

import "errors"

var (
	ErrInvalidPresetMode = errors.New("invalid preset mode")
	ErrInvalidPercentage = errors.New("percentage must be between 0 and 100")
)
