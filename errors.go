package relay

import "errors"

var (
	ErrInvalidCfg     = errors.New("relay: invalid options")
	ErrBind           = errors.New("relay: could not bind listener")
	ErrAlreadyStarted = errors.New("relay: server already started")
	ErrServerClosed   = errors.New("relay: server is closed")

	ErrLineTooLong = errors.New("conn: line exceeds the configured maximum")
)
