package device

import "errors"

var (
	ErrInvalidAuth   = errors.New("invalid authentication")
	ErrCannotConnect = errors.New("cannot connect to device")
	ErrNotReady      = errors.New("device not ready")
)
