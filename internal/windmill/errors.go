package windmill

import "errors"

var (
	ErrInvalidLevel = errors.New("invalid fan speed level")
)
