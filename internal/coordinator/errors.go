package coordinator

import "errors"

var (
	ErrUpdateFailed = errors.New("error communicating with device")
	ErrShutdown     = errors.New("coordinator shut down")
)
